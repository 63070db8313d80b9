package types

import "time"

// JobStatus represents the lifecycle state of an import job
type JobStatus string

const (
	StatusUploading JobStatus = "uploading"
	StatusUploaded  JobStatus = "uploaded"
	StatusRunning   JobStatus = "running"
	StatusFinished  JobStatus = "finished"
	StatusError     JobStatus = "error"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further processing can happen
func (s JobStatus) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

// Chunk upload results
const (
	ChunkOK          = "OK"
	ChunkBadChecksum = "BAD_CHECKSUM"
)

// ImportOptions selects which statement categories an import applies
type ImportOptions struct {
	ImportRoles        bool   `json:"import_roles"`
	ImportTablespaces  bool   `json:"import_tablespaces"`
	ImportDatabases    bool   `json:"import_databases"`
	ImportSchemaCreate bool   `json:"import_schema_create"`
	ImportData         bool   `json:"import_data"`
	Truncate           bool   `json:"truncate"`
	ImportOwnership    bool   `json:"import_ownership"`
	ImportRights       bool   `json:"import_rights"`
	DeferSelf          bool   `json:"defer_self"`
	AllowDrops         bool   `json:"allow_drops"`
	ErrorMode          string `json:"error_mode,omitempty" binding:"omitempty,oneof=abort log ignore"`
}

// InitUploadRequest starts a new import job
type InitUploadRequest struct {
	Filename   string         `json:"filename"`
	Filesize   int64          `json:"filesize" binding:"min=0"`
	Scope      string         `json:"scope" binding:"omitempty,oneof=server database schema table"`
	ScopeIdent string         `json:"scope_ident,omitempty"`
	Database   string         `json:"database,omitempty"`
	Options    *ImportOptions `json:"options,omitempty"`
}

// InitFromObjectRequest starts a job whose input is fetched from object storage
type InitFromObjectRequest struct {
	ObjectURL string `json:"object_url" binding:"required"`
	InitUploadRequest
}

// InitUploadResponse tells the client how to upload
type InitUploadResponse struct {
	JobID        string `json:"job_id"`
	ChunkSize    int64  `json:"chunk_size"`
	ExpectedSize int64  `json:"expected_size"`
}

// ChunkResponse is the result of one chunk upload
type ChunkResponse struct {
	Status        string `json:"status"`
	UploadedBytes int64  `json:"uploaded_bytes"`
}

// UploadStatusResponse reports how much of the upload has arrived
type UploadStatusResponse struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	UploadedBytes int64     `json:"uploaded_bytes"`
	ExpectedSize  int64     `json:"expected_size"`
}

// FinalizeResponse is returned once an upload is complete
type FinalizeResponse struct {
	JobID         string    `json:"job_id"`
	Size          int64     `json:"size"`
	Status        JobStatus `json:"status"`
	Format        string    `json:"format"`
	SelectedEntry string    `json:"selected_entry,omitempty"`
}

// Entry is one file inside an archive
type Entry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// EntriesResponse lists the entries of an archive input
type EntriesResponse struct {
	JobID   string  `json:"job_id"`
	Entries []Entry `json:"entries"`
}

// SelectEntryRequest picks one archive entry, or all .sql entries in name order
type SelectEntryRequest struct {
	Entry     string `json:"entry,omitempty"`
	ImportAll bool   `json:"import_all,omitempty"`
}

// ProgressResponse reports where a job stands after a step or state change
type ProgressResponse struct {
	JobID             string    `json:"job_id"`
	Status            JobStatus `json:"status"`
	Offset            int64     `json:"offset"`
	Size              int64     `json:"size"`
	Errors            int       `json:"errors"`
	Executed          int       `json:"executed"`
	Queued            int       `json:"queued"`
	CurrentEntry      string    `json:"current_entry,omitempty"`
	CurrentEntryIndex int       `json:"current_entry_index,omitempty"`
	EntryCount        int       `json:"entry_count,omitempty"`
	ErrorReason       string    `json:"error_reason,omitempty"`
}

// JobSummary is one row of the job list
type JobSummary struct {
	JobID        string    `json:"job_id"`
	Filename     string    `json:"filename"`
	Status       JobStatus `json:"status"`
	Scope        string    `json:"scope"`
	Offset       int64     `json:"offset"`
	Size         int64     `json:"size"`
	Errors       int       `json:"errors"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
}

// JobListResponse lists jobs
type JobListResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

// GCResponse reports garbage collection results
type GCResponse struct {
	Deleted int `json:"deleted"`
}

// HistoryEntry is a job as recorded in the history database
type HistoryEntry struct {
	JobID       string     `json:"job_id"`
	Filename    string     `json:"filename"`
	Status      JobStatus  `json:"status"`
	Scope       string     `json:"scope"`
	Database    string     `json:"database,omitempty"`
	Size        int64      `json:"size"`
	Offset      int64      `json:"offset"`
	Errors      int        `json:"errors"`
	Executed    int        `json:"executed"`
	ErrorReason string     `json:"error_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HistoryResponse lists recorded jobs
type HistoryResponse struct {
	Jobs []HistoryEntry `json:"jobs"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Version    string         `json:"version"`
	Uptime     string         `json:"uptime"`
	ActiveJobs int            `json:"active_jobs"`
	History    map[string]int `json:"history,omitempty"`
}
