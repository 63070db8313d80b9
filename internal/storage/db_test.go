package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rossigee/sqlimport/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id string, status types.JobStatus, updated time.Time) *JobRecord {
	return &JobRecord{
		ID:        id,
		Filename:  id + ".sql",
		Status:    string(status),
		Scope:     "database",
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestNewStore_InMemory(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	assert.NotNil(t, store.db)
}

func TestNewStore_FilePathReopens(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "history-*.db")
	require.NoError(t, err)
	func() {
		_ = tmpFile.Close() // Ignore error in test
	}()
	defer func() {
		_ = os.Remove(tmpFile.Name()) // Ignore error in test
	}()

	store, err := NewStore(tmpFile.Name())
	require.NoError(t, err)
	require.NoError(t, store.SaveJob(context.Background(), newRecord("persisted", types.StatusFinished, time.Now())))
	require.NoError(t, store.Close())

	// Migrations are not re-applied on an existing database
	store, err = NewStore(tmpFile.Name())
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	record, err := store.GetJob(context.Background(), "persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted.sql", record.Filename)
}

func TestSaveJob_Insert(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	job := newRecord("test-job-1", types.StatusRunning, time.Now())
	job.Database = "shop"
	job.OptionsJSON = `{"import_data":true}`

	err = store.SaveJob(context.Background(), job)
	require.NoError(t, err)

	retrieved, err := store.GetJob(context.Background(), "test-job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, retrieved.ID)
	assert.Equal(t, job.Status, retrieved.Status)
	assert.Equal(t, "shop", retrieved.Database)
	assert.Equal(t, job.OptionsJSON, retrieved.OptionsJSON)
	assert.Nil(t, retrieved.CompletedAt)
}

func TestSaveJob_Update(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	job := newRecord("test-job-2", types.StatusRunning, time.Now())
	err = store.SaveJob(context.Background(), job)
	require.NoError(t, err)

	completed := time.Now().Add(time.Second)
	job.Status = string(types.StatusError)
	job.Errors = 1
	job.Executed = 41
	job.Offset = 4096
	job.ErrorReason = "statement_failed"
	job.UpdatedAt = completed
	job.CompletedAt = &completed
	err = store.SaveJob(context.Background(), job)
	require.NoError(t, err)

	retrieved, err := store.GetJob(context.Background(), "test-job-2")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusError), retrieved.Status)
	assert.Equal(t, 1, retrieved.Errors)
	assert.Equal(t, 41, retrieved.Executed)
	assert.Equal(t, int64(4096), retrieved.Offset)
	assert.Equal(t, "statement_failed", retrieved.ErrorReason)
	require.NotNil(t, retrieved.CompletedAt)
	assert.Equal(t, completed.Unix(), retrieved.CompletedAt.Unix())
}

func TestGetJob_NotFound(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	_, err = store.GetJob(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobs(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		job := newRecord("job-"+string(rune('0'+i)), types.StatusFinished, base.Add(time.Duration(i)*time.Minute))
		err = store.SaveJob(context.Background(), job)
		require.NoError(t, err)
	}

	jobs, err := store.ListJobs(context.Background(), ListJobsFilter{})
	require.NoError(t, err)
	require.Equal(t, 5, len(jobs))
	assert.Equal(t, "job-4", jobs[0].ID)

	jobs, err = store.ListJobs(context.Background(), ListJobsFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, len(jobs))

	jobs, err = store.ListJobs(context.Background(), ListJobsFilter{Status: string(types.StatusFinished)})
	require.NoError(t, err)
	assert.Equal(t, 5, len(jobs))

	jobs, err = store.ListJobs(context.Background(), ListJobsFilter{Status: string(types.StatusCancelled)})
	require.NoError(t, err)
	assert.Equal(t, 0, len(jobs))
}

func TestGetJobCount(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	for i := 0; i < 3; i++ {
		err = store.SaveJob(context.Background(), newRecord("err-"+string(rune('0'+i)), types.StatusError, time.Now()))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		err = store.SaveJob(context.Background(), newRecord("done-"+string(rune('0'+i)), types.StatusFinished, time.Now()))
		require.NoError(t, err)
	}

	count, err := store.GetJobCount(context.Background(), string(types.StatusError))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = store.GetJobCount(context.Background(), string(types.StatusFinished))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.GetJobCount(context.Background(), string(types.StatusRunning))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDeleteOldJobs(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	now := time.Now()
	old := now.Add(-48 * time.Hour)

	oldJob := newRecord("old-job", types.StatusFinished, old)
	oldJob.CompletedAt = &old
	require.NoError(t, store.SaveJob(context.Background(), oldJob))

	recentJob := newRecord("recent-job", types.StatusFinished, now)
	recentJob.CompletedAt = &now
	require.NoError(t, store.SaveJob(context.Background(), recentJob))

	// Never completed, so kept however old
	runningJob := newRecord("running-job", types.StatusRunning, old)
	require.NoError(t, store.SaveJob(context.Background(), runningJob))

	deleted, err := store.DeleteOldJobs(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetJob(context.Background(), "old-job")
	assert.ErrorIs(t, err, ErrNotFound)

	job, err := store.GetJob(context.Background(), "recent-job")
	require.NoError(t, err)
	assert.Equal(t, "recent-job", job.ID)

	job, err = store.GetJob(context.Background(), "running-job")
	require.NoError(t, err)
	assert.Equal(t, "running-job", job.ID)
}
