// Package jobs implements the resumable import job lifecycle: chunked upload,
// finalization, archive entry selection, bounded processing steps, cancellation
// and garbage collection. Each job lives in its own directory and is guarded by
// an exclusive file lock.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rossigee/sqlimport/internal/classify"
	"github.com/rossigee/sqlimport/internal/metrics"
	"github.com/rossigee/sqlimport/internal/minio"
	"github.com/rossigee/sqlimport/internal/policy"
	"github.com/rossigee/sqlimport/internal/reader"
	"github.com/rossigee/sqlimport/internal/retry"
	"github.com/rossigee/sqlimport/internal/storage"
	"github.com/rossigee/sqlimport/pkg/types"
	"github.com/sirupsen/logrus"
)

// Session is a database connection owned by one processing step
type Session interface {
	policy.Session
	Close()
}

// Connector opens a session against a database; an empty name uses the default
type Connector func(ctx context.Context, database string) (Session, error)

// ObjectSource fetches dumps from object storage
type ObjectSource interface {
	StatObject(ctx context.Context, objectURL string) (int64, error)
	Download(ctx context.Context, objectURL, dst string, updater minio.ProgressUpdater) (int64, error)
}

// DefaultLockRetry polls a busy job lock until the caller's context ends
var DefaultLockRetry = retry.Config{
	Delays:    []time.Duration{20 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond, 250 * time.Millisecond},
	UntilDone: true,
	Retryable: retry.On(ErrJobBusy),
}

// Config holds the limits of the job manager
type Config struct {
	ChunkSize        int64
	MaxUpload        int64
	Lifetime         time.Duration
	GCSample         int
	MaxEntries       int
	LogEntries       int
	ChunkBytes       int
	MaxIterations    int
	StepDeadline     time.Duration
	LockWait         time.Duration
	LockRetry        retry.Config
	HistoryRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 8 << 20
	}
	if c.Lifetime <= 0 {
		c.Lifetime = 24 * time.Hour
	}
	if c.GCSample < 0 {
		c.GCSample = 0
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = reader.MaxEntries
	}
	if c.LogEntries <= 0 {
		c.LogEntries = policy.DefaultLogEntries
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 1 << 20
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	if c.StepDeadline <= 0 {
		c.StepDeadline = 20 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = c.StepDeadline + 5*time.Second
	}
	if c.LockRetry.Retryable == nil {
		c.LockRetry = DefaultLockRetry
	}
	return c
}

// Manager manages import jobs
type Manager struct {
	store   *Store
	cfg     Config
	connect Connector
	history *storage.Store
	objects ObjectSource
	now     func() time.Time
}

// NewManager creates a new job manager. history and objects may be nil, which
// disables job history and object storage imports.
func NewManager(store *Store, cfg Config, connect Connector, history *storage.Store, objects ObjectSource) *Manager {
	return &Manager{
		store:   store,
		cfg:     cfg.withDefaults(),
		connect: connect,
		history: history,
		objects: objects,
		now:     time.Now,
	}
}

// InitUpload creates a job waiting for chunks
func (m *Manager) InitUpload(ctx context.Context, req types.InitUploadRequest) (*types.InitUploadResponse, error) {
	m.sampleGC(ctx)

	if req.Filesize <= 0 {
		return nil, fmt.Errorf("%w: filesize must be positive", ErrInvalidInput)
	}
	if m.cfg.MaxUpload > 0 && req.Filesize > m.cfg.MaxUpload {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrUploadTooLarge,
			humanize.IBytes(uint64(req.Filesize)), humanize.IBytes(uint64(m.cfg.MaxUpload)))
	}

	job, err := m.newJob(req)
	if err != nil {
		return nil, err
	}
	job.ExpectedSize = req.Filesize

	if err := m.store.Create(job); err != nil {
		return nil, err
	}
	m.recordHistory(ctx, job)

	logrus.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"filename": job.Filename,
		"size":     humanize.IBytes(uint64(job.ExpectedSize)),
		"scope":    job.Scope,
	}).Info("Created import job")

	return &types.InitUploadResponse{
		JobID:        job.ID,
		ChunkSize:    m.cfg.ChunkSize,
		ExpectedSize: job.ExpectedSize,
	}, nil
}

// newJob validates the creation request and builds the initial job state
func (m *Manager) newJob(req types.InitUploadRequest) (*Job, error) {
	scope := policy.ScopeDatabase
	if req.Scope != "" {
		parsed, err := policy.ParseScope(req.Scope)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		scope = parsed
	}

	ident := strings.TrimSpace(req.ScopeIdent)
	switch scope {
	case policy.ScopeSchema:
		if ident == "" {
			return nil, fmt.Errorf("%w: schema scope needs scope_ident", ErrInvalidInput)
		}
	case policy.ScopeTable:
		if _, ok := classify.NormalizeTable(ident, "public"); !ok {
			return nil, fmt.Errorf("%w: table scope needs a table name in scope_ident", ErrInvalidInput)
		}
	}

	opts, err := optionsFrom(req.Options)
	if err != nil {
		return nil, err
	}

	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "." || filename == string(filepath.Separator) {
		filename = ""
	}

	now := m.now().UTC()
	return &Job{
		ID:           NewJobID(),
		Filename:     filename,
		Created:      now,
		LastActivity: now,
		Status:       types.StatusUploading,
		State: policy.State{
			Scope:        scope,
			ScopeIdent:   ident,
			Database:     req.Database,
			ConnectionDB: req.Database,
			Options:      opts,
		},
	}, nil
}

func optionsFrom(req *types.ImportOptions) (policy.Options, error) {
	if req == nil {
		return policy.DefaultOptions(), nil
	}
	opts := policy.Options{
		ImportRoles:        req.ImportRoles,
		ImportTablespaces:  req.ImportTablespaces,
		ImportDatabases:    req.ImportDatabases,
		ImportSchemaCreate: req.ImportSchemaCreate,
		ImportData:         req.ImportData,
		Truncate:           req.Truncate,
		ImportOwnership:    req.ImportOwnership,
		ImportRights:       req.ImportRights,
		DeferSelf:          req.DeferSelf,
		AllowDrops:         req.AllowDrops,
		ErrorMode:          policy.ErrorMode(req.ErrorMode),
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return opts, nil
}

// downloadProgress logs object downloads
type downloadProgress struct {
	jobID string
}

// UpdateProgress implements the minio.ProgressUpdater interface
func (p downloadProgress) UpdateProgress(done, total int64) {
	logrus.WithFields(logrus.Fields{
		"job_id": p.jobID,
		"done":   humanize.IBytes(uint64(done)),
		"total":  humanize.IBytes(uint64(total)),
	}).Debug("Downloading dump")
}

// InitFromObject creates a job whose input is downloaded from object storage
// and finalizes it, so it is ready to process on return
func (m *Manager) InitFromObject(ctx context.Context, req types.InitFromObjectRequest) (*types.FinalizeResponse, error) {
	if m.objects == nil {
		return nil, minio.ErrNotConfigured
	}
	m.sampleGC(ctx)

	size, err := m.objects.StatObject(ctx, req.ObjectURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if m.cfg.MaxUpload > 0 && size > m.cfg.MaxUpload {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrUploadTooLarge,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(m.cfg.MaxUpload)))
	}

	if req.Filename == "" {
		_, object, err := minio.ParseObjectURL(req.ObjectURL)
		if err == nil {
			req.Filename = object
		}
	}
	job, err := m.newJob(req.InitUploadRequest)
	if err != nil {
		return nil, err
	}
	job.Source = req.ObjectURL
	job.ExpectedSize = size

	if err := m.store.Create(job); err != nil {
		return nil, err
	}
	lock, err := m.store.Lock(job.ID)
	if err != nil {
		return nil, err
	}
	defer m.release(lock, job.ID)

	downloaded, err := m.objects.Download(ctx, req.ObjectURL, m.store.uploadPath(job.ID), downloadProgress{jobID: job.ID})
	job.UploadedBytes = downloaded
	job.touch()
	if err != nil {
		job.fail(ReasonObjectFetchFailed)
		m.save(ctx, job)
		return nil, fmt.Errorf("failed to fetch %s: %w", req.ObjectURL, err)
	}
	metrics.UploadedBytes.Add(float64(downloaded))

	resp, err := m.finalize(ctx, job)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// UploadChunk writes data at offset. A checksum mismatch is reported in the
// response and leaves the upload untouched.
func (m *Manager) UploadChunk(ctx context.Context, id string, offset int64, data []byte, checksum string) (*types.ChunkResponse, error) {
	if checksum == "" {
		return nil, fmt.Errorf("%w: chunk checksum is required", ErrInvalidInput)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidInput)
	}
	if int64(len(data)) > m.cfg.ChunkSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes exceeds chunk size %d", ErrInvalidInput, len(data), m.cfg.ChunkSize)
	}

	lock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.release(lock, id)

	job, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusUploading {
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}
	if offset > job.UploadedBytes {
		return nil, fmt.Errorf("%w: offset %d is past uploaded bytes %d", ErrOffsetMismatch, offset, job.UploadedBytes)
	}
	end := offset + int64(len(data))
	if job.ExpectedSize > 0 && end > job.ExpectedSize {
		return nil, fmt.Errorf("%w: chunk ends at %d, expected size is %d", ErrSizeMismatch, end, job.ExpectedSize)
	}

	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), strings.TrimSpace(checksum)) {
		metrics.UploadChunks.WithLabelValues(types.ChunkBadChecksum).Inc()
		logrus.WithFields(logrus.Fields{"job_id": id, "offset": offset}).Warn("Chunk checksum mismatch")
		return &types.ChunkResponse{Status: types.ChunkBadChecksum, UploadedBytes: job.UploadedBytes}, nil
	}

	if err := writeChunk(m.store.uploadPath(id), offset, data); err != nil {
		return nil, err
	}
	job.UploadedBytes = end
	job.touch()
	if err := m.store.Save(job); err != nil {
		return nil, err
	}

	metrics.UploadChunks.WithLabelValues(types.ChunkOK).Inc()
	metrics.UploadedBytes.Add(float64(len(data)))
	return &types.ChunkResponse{Status: types.ChunkOK, UploadedBytes: job.UploadedBytes}, nil
}

// writeChunk truncates the upload to offset and appends data, so a repeated
// chunk replaces whatever followed it
func writeChunk(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open upload file: %w", err)
	}
	defer func() {
		_ = f.Close() // Close errors are not critical after Sync
	}()

	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate upload file: %w", err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync upload file: %w", err)
	}
	return nil
}

// UploadStatus reports how many bytes have arrived
func (m *Manager) UploadStatus(_ context.Context, id string) (*types.UploadStatusResponse, error) {
	job, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	return &types.UploadStatusResponse{
		JobID:         job.ID,
		Status:        job.Status,
		UploadedBytes: job.UploadedBytes,
		ExpectedSize:  job.ExpectedSize,
	}, nil
}

// FinalizeUpload checks the upload is complete, detects its format and marks
// the job uploaded
func (m *Manager) FinalizeUpload(ctx context.Context, id string) (*types.FinalizeResponse, error) {
	lock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.release(lock, id)

	job, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusUploading {
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}
	if job.UploadedBytes != job.ExpectedSize {
		return nil, fmt.Errorf("%w: uploaded %d of %d bytes", ErrSizeMismatch, job.UploadedBytes, job.ExpectedSize)
	}
	return m.finalize(ctx, job)
}

// finalize runs with the job locked. Resource errors put the job in error
// with a reason and are also returned.
func (m *Manager) finalize(ctx context.Context, job *Job) (*types.FinalizeResponse, error) {
	path := m.store.uploadPath(job.ID)
	job.touch()

	format, err := reader.Detect(path)
	if err != nil {
		reason := ReasonUnreadableInput
		if errors.Is(err, reader.ErrUnsupportedFormat) {
			reason = ReasonUnsupportedFormat
		}
		return nil, m.failResource(ctx, job, reason, err)
	}
	job.Format = format
	// the decompressed length of a stream is unknown until it was read to the end
	job.Size = 0
	if format == reader.FormatPlain {
		job.Size = job.UploadedBytes
	}

	if format == reader.FormatZip {
		entries, err := reader.ListEntries(path, m.cfg.MaxEntries)
		if err != nil {
			reason := ReasonUnreadableInput
			if errors.Is(err, reader.ErrTooManyEntries) {
				reason = ReasonTooManyEntries
			}
			return nil, m.failResource(ctx, job, reason, err)
		}
		if len(entries) == 0 {
			return nil, m.failResource(ctx, job, ReasonNoValidEntry, ErrNoValidEntry)
		}
		job.ZipEntries = entries
		if sqlEntries := reader.SQLEntries(entries); len(sqlEntries) == 1 {
			job.SelectedEntry = sqlEntries[0].Name
			job.Size = sqlEntries[0].Size
		}
	}

	job.Status = types.StatusUploaded
	if err := m.store.Save(job); err != nil {
		return nil, err
	}
	m.recordHistory(ctx, job)

	logrus.WithFields(logrus.Fields{
		"job_id": job.ID,
		"format": job.Format,
		"size":   humanize.IBytes(uint64(job.UploadedBytes)),
	}).Info("Upload finalized")

	return &types.FinalizeResponse{
		JobID:         job.ID,
		Size:          job.Size,
		Status:        job.Status,
		Format:        string(job.Format),
		SelectedEntry: job.SelectedEntry,
	}, nil
}

func (m *Manager) failResource(ctx context.Context, job *Job, reason string, cause error) error {
	job.fail(reason)
	if err := m.store.Save(job); err != nil {
		return errors.Join(cause, err)
	}
	m.recordHistory(ctx, job)
	logrus.WithError(cause).WithFields(logrus.Fields{
		"job_id": job.ID,
		"reason": reason,
	}).Warn("Import job failed")
	return cause
}

// ListEntries lists the members of an archive upload
func (m *Manager) ListEntries(_ context.Context, id string) (*types.EntriesResponse, error) {
	job, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if job.Format != reader.FormatZip {
		return nil, fmt.Errorf("%w: job input is not an archive", ErrInvalidState)
	}
	resp := &types.EntriesResponse{JobID: job.ID, Entries: make([]types.Entry, 0, len(job.ZipEntries))}
	for _, e := range job.ZipEntries {
		resp.Entries = append(resp.Entries, types.Entry{Name: e.Name, Size: e.Size})
	}
	return resp, nil
}

// SelectEntry chooses the archive member to import, or every .sql member in name order
func (m *Manager) SelectEntry(ctx context.Context, id string, req types.SelectEntryRequest) (*types.ProgressResponse, error) {
	if req.Entry == "" && !req.ImportAll {
		return nil, fmt.Errorf("%w: name an entry or set import_all", ErrInvalidInput)
	}

	lock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.release(lock, id)

	job, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if job.Format != reader.FormatZip {
		return nil, fmt.Errorf("%w: job input is not an archive", ErrInvalidState)
	}
	if job.Status != types.StatusUploaded || job.Offset != 0 || job.CurrentEntryIndex != 0 {
		return nil, fmt.Errorf("%w: entries can only be chosen before processing starts", ErrInvalidState)
	}

	job.touch()
	if req.ImportAll {
		names := job.entryNames()
		if len(names) == 0 {
			return nil, m.failResource(ctx, job, ReasonNoValidEntry, ErrNoValidEntry)
		}
		job.ImportAllEntries = true
		job.CurrentEntryIndex = 0
		job.SelectedEntry = names[0]
	} else {
		if !hasEntry(job.ZipEntries, req.Entry) {
			return nil, fmt.Errorf("%w: %s", reader.ErrEntryNotFound, req.Entry)
		}
		job.ImportAllEntries = false
		job.SelectedEntry = req.Entry
	}
	job.Size = entrySize(job.ZipEntries, job.SelectedEntry)

	if err := m.store.Save(job); err != nil {
		return nil, err
	}
	return job.Progress(), nil
}

func hasEntry(entries []reader.Entry, name string) bool {
	for _, e := range entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

func entrySize(entries []reader.Entry, name string) int64 {
	for _, e := range entries {
		if e.Name == name {
			return e.Size
		}
	}
	return 0
}

// Status returns the full persisted state of a job
func (m *Manager) Status(_ context.Context, id string) (*Job, error) {
	return m.store.Load(id)
}

// ListJobs summarizes jobs in creation order. Finished jobs are listed only when all is set.
func (m *Manager) ListJobs(_ context.Context, all bool) ([]types.JobSummary, error) {
	ids, err := m.store.IDs()
	if err != nil {
		return nil, err
	}

	summaries := make([]types.JobSummary, 0, len(ids))
	for _, id := range ids {
		job, err := m.store.Load(id)
		if err != nil {
			logrus.WithError(err).WithField("job_id", id).Warn("Skipping unreadable job")
			continue
		}
		if job.Status == types.StatusFinished && !all {
			continue
		}
		summaries = append(summaries, job.Summary())
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Created.Before(summaries[j].Created)
	})
	return summaries, nil
}

// Cancel stops further processing; offset and remainder are kept for Resume
func (m *Manager) Cancel(ctx context.Context, id string) (*types.ProgressResponse, error) {
	return m.transition(ctx, id, types.StatusCancelled, types.StatusUploaded, types.StatusRunning)
}

// Resume lets a cancelled job be processed again from where it stopped
func (m *Manager) Resume(ctx context.Context, id string) (*types.ProgressResponse, error) {
	return m.transition(ctx, id, types.StatusRunning, types.StatusCancelled)
}

func (m *Manager) transition(ctx context.Context, id string, to types.JobStatus, from ...types.JobStatus) (*types.ProgressResponse, error) {
	lock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.release(lock, id)

	job, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, s := range from {
		if job.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: cannot move a %s job to %s", ErrInvalidState, job.Status, to)
	}

	job.Status = to
	job.touch()
	if err := m.store.Save(job); err != nil {
		return nil, err
	}
	m.recordHistory(ctx, job)

	logrus.WithFields(logrus.Fields{"job_id": id, "status": to}).Info("Job status changed")
	return job.Progress(), nil
}

// GC deletes jobs idle for longer than the configured lifetime
func (m *Manager) GC(ctx context.Context) (int, error) {
	ids, err := m.store.IDs()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if m.collect(ctx, id) {
			deleted++
		}
	}

	if m.history != nil && m.cfg.HistoryRetention > 0 {
		pruned, err := m.history.DeleteOldJobs(ctx, m.cfg.HistoryRetention)
		if err != nil {
			logrus.WithError(err).Warn("Failed to prune job history")
		} else if pruned > 0 {
			logrus.WithField("count", pruned).Info("Pruned job history")
		}
	}

	if deleted > 0 {
		logrus.WithField("count", deleted).Info("Garbage collected expired jobs")
	}
	return deleted, nil
}

// sampleGC checks a few random jobs for expiry
func (m *Manager) sampleGC(ctx context.Context) {
	if m.cfg.GCSample == 0 {
		return
	}
	ids, err := m.store.IDs()
	if err != nil {
		logrus.WithError(err).Warn("Failed to list jobs for garbage collection")
		return
	}
	for i, n := range rand.Perm(len(ids)) {
		if i >= m.cfg.GCSample {
			break
		}
		m.collect(ctx, ids[n])
	}
}

// collect deletes one job if it has expired. Busy jobs are left alone.
func (m *Manager) collect(ctx context.Context, id string) bool {
	lock, err := m.store.Lock(id)
	if err != nil {
		if !errors.Is(err, ErrJobBusy) && !errors.Is(err, ErrJobNotFound) {
			logrus.WithError(err).WithField("job_id", id).Warn("Failed to lock job for garbage collection")
		}
		return false
	}
	defer m.release(lock, id)

	job, err := m.store.Load(id)
	var lastActivity time.Time
	if err == nil {
		lastActivity = job.LastActivity
	} else {
		// A directory without readable state expires by its modification time
		info, statErr := os.Stat(m.store.dir(id))
		if statErr != nil {
			return false
		}
		lastActivity = info.ModTime()
	}

	if m.now().Sub(lastActivity) <= m.cfg.Lifetime {
		return false
	}

	if job != nil {
		m.recordHistory(ctx, job)
	}
	if err := m.store.Delete(id); err != nil {
		logrus.WithError(err).WithField("job_id", id).Warn("Failed to delete expired job")
		return false
	}
	metrics.JobsDeleted.Inc()
	return true
}

// History lists jobs recorded in the history database, newest first
func (m *Manager) History(ctx context.Context, status string, limit int) ([]types.HistoryEntry, error) {
	if m.history == nil {
		return []types.HistoryEntry{}, nil
	}
	records, err := m.history.ListJobs(ctx, storage.ListJobsFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}
	entries := make([]types.HistoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, historyEntry(r))
	}
	return entries, nil
}

// HistoryJob returns the recorded row of one job. It outlives the job's
// directory until the history retention prunes it.
func (m *Manager) HistoryJob(ctx context.Context, id string) (*types.HistoryEntry, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, err
	}
	if m.history == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	record, err := m.history.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, err
	}
	entry := historyEntry(record)
	return &entry, nil
}

// historyStatuses are the outcomes counted for the health report
var historyStatuses = []types.JobStatus{types.StatusFinished, types.StatusError, types.StatusCancelled}

// HistoryCounts returns how many recorded jobs ended in each outcome. It is
// nil without a history database.
func (m *Manager) HistoryCounts(ctx context.Context) map[string]int {
	if m.history == nil {
		return nil
	}
	counts := make(map[string]int, len(historyStatuses))
	for _, status := range historyStatuses {
		count, err := m.history.GetJobCount(ctx, string(status))
		if err != nil {
			logrus.WithError(err).Warn("Failed to count job history")
			return nil
		}
		counts[string(status)] = count
	}
	return counts
}

func historyEntry(r *storage.JobRecord) types.HistoryEntry {
	return types.HistoryEntry{
		JobID:       r.ID,
		Filename:    r.Filename,
		Status:      types.JobStatus(r.Status),
		Scope:       r.Scope,
		Database:    r.Database,
		Size:        r.Size,
		Offset:      r.Offset,
		Errors:      r.Errors,
		Executed:    r.Executed,
		ErrorReason: r.ErrorReason,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// ActiveJobs returns the number of jobs that are neither finished, failed nor cancelled
func (m *Manager) ActiveJobs(context.Context) int {
	ids, err := m.store.IDs()
	if err != nil {
		return 0
	}
	count := 0
	for _, id := range ids {
		job, err := m.store.Load(id)
		if err != nil {
			continue
		}
		if !job.Status.Terminal() && job.Status != types.StatusCancelled {
			count++
		}
	}
	return count
}

// recordHistory mirrors the job into the history database. Failures are logged only.
func (m *Manager) recordHistory(ctx context.Context, job *Job) {
	if m.history == nil {
		return
	}

	opts, err := json.Marshal(job.Options)
	if err != nil {
		opts = nil
	}
	record := &storage.JobRecord{
		ID:          job.ID,
		Filename:    job.Filename,
		Status:      string(job.Status),
		Scope:       string(job.Scope),
		Database:    job.Database,
		Size:        job.Size,
		Offset:      job.Offset,
		Errors:      job.Errors,
		Executed:    job.Executed,
		ErrorReason: job.ErrorReason,
		OptionsJSON: string(opts),
		CreatedAt:   job.Created,
		UpdatedAt:   job.LastActivity,
	}
	if job.Status.Terminal() {
		completed := job.LastActivity
		record.CompletedAt = &completed
	}

	if err := m.history.SaveJob(ctx, record); err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Warn("Failed to record job history")
	}
}

// lock waits for the job lock, bounded by LockWait
func (m *Manager) lock(ctx context.Context, id string) (*Lock, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.LockWait)
	defer cancel()

	var lock *Lock
	err := retry.WithRetry(ctx, m.cfg.LockRetry, func() error {
		l, err := m.store.Lock(id)
		if err != nil {
			return err
		}
		lock = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (m *Manager) release(lock *Lock, id string) {
	if err := lock.Release(); err != nil {
		logrus.WithError(err).WithField("job_id", id).Warn("Failed to release job lock")
	}
}

// save persists job state where the caller has nothing better to do with a failure
func (m *Manager) save(ctx context.Context, job *Job) {
	if err := m.store.Save(job); err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Error("Failed to save job state")
		return
	}
	m.recordHistory(ctx, job)
}
