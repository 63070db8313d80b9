package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rossigee/sqlimport/internal/policy"
	"github.com/rossigee/sqlimport/internal/reader"
	"github.com/rossigee/sqlimport/internal/splitter"
	"github.com/rossigee/sqlimport/pkg/types"
)

const maxJobIDLen = 64

var legacyJobID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Job is the persisted state of one import. The embedded policy state holds
// the queues, counters and log the executor maintains.
type Job struct {
	ID            string          `json:"job_id"`
	Filename      string          `json:"filename"`
	Source        string          `json:"source,omitempty"`
	Created       time.Time       `json:"created"`
	LastActivity  time.Time       `json:"last_activity"`
	UploadedBytes int64           `json:"uploaded_bytes"`
	ExpectedSize  int64           `json:"expected_size"`
	Offset        int64           `json:"offset"`
	Size          int64           `json:"size"`
	Status        types.JobStatus `json:"status"`
	Format        reader.Format   `json:"format,omitempty"`
	ErrorReason   string          `json:"error_reason,omitempty"`

	policy.State

	// Lexer is the splitter state; its pending text is the carried-over remainder
	Lexer splitter.State `json:"lexer"`

	SelectedEntry     string         `json:"selected_entry,omitempty"`
	ImportAllEntries  bool           `json:"import_all_entries,omitempty"`
	ZipEntries        []reader.Entry `json:"zip_entries,omitempty"`
	CurrentEntryIndex int            `json:"current_entry_index,omitempty"`
}

// NewJobID returns a fresh random job id
func NewJobID() string {
	return uuid.New().String()
}

// NewLegacyJobID returns a 32 character hex id, the format older clients generate
func NewLegacyJobID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ValidateJobID checks that id is safe to use as a directory name
func ValidateJobID(id string) error {
	if id == "" || len(id) > maxJobIDLen {
		return ErrInvalidJobID
	}
	if strings.ContainsAny(id, "/\\\x00") || strings.Contains(id, "..") {
		return ErrInvalidJobID
	}
	if legacyJobID.MatchString(id) {
		return nil
	}
	if parsed, err := uuid.Parse(id); err == nil && parsed.String() == id {
		return nil
	}
	return ErrInvalidJobID
}

// entryNames returns the archive entries processed by an import-all job
func (j *Job) entryNames() []string {
	names := make([]string, 0, len(j.ZipEntries))
	for _, e := range reader.SQLEntries(j.ZipEntries) {
		names = append(names, e.Name)
	}
	return names
}

// Progress summarizes the job for API responses
func (j *Job) Progress() *types.ProgressResponse {
	resp := &types.ProgressResponse{
		JobID:       j.ID,
		Status:      j.Status,
		Offset:      j.Offset,
		Size:        j.Size,
		Errors:      j.Errors,
		Executed:    j.Executed,
		Queued:      j.QueuedCount(),
		ErrorReason: j.ErrorReason,
	}
	if j.Format == reader.FormatZip {
		resp.CurrentEntry = j.SelectedEntry
		if j.ImportAllEntries {
			resp.CurrentEntryIndex = j.CurrentEntryIndex
			resp.EntryCount = len(j.entryNames())
		}
	}
	return resp
}

// Summary is the job's row in the job list
func (j *Job) Summary() types.JobSummary {
	return types.JobSummary{
		JobID:        j.ID,
		Filename:     j.Filename,
		Status:       j.Status,
		Scope:        string(j.Scope),
		Offset:       j.Offset,
		Size:         j.Size,
		Errors:       j.Errors,
		Created:      j.Created,
		LastActivity: j.LastActivity,
	}
}

func (j *Job) touch() {
	j.LastActivity = time.Now().UTC()
}

func (j *Job) fail(reason string) {
	j.Status = types.StatusError
	j.ErrorReason = reason
}
