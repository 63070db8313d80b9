package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rossigee/sqlimport/internal/metrics"
	"github.com/rossigee/sqlimport/internal/policy"
	"github.com/rossigee/sqlimport/internal/reader"
	"github.com/rossigee/sqlimport/internal/splitter"
	"github.com/rossigee/sqlimport/pkg/types"
	"github.com/sirupsen/logrus"
)

// Process runs one bounded step of the import. It never waits for the job
// lock: a concurrent step makes it return ErrJobBusy. A job in error is
// returned unchanged.
func (m *Manager) Process(ctx context.Context, id string) (*types.ProgressResponse, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, err
	}
	lock, err := m.store.Lock(id)
	if err != nil {
		return nil, err
	}
	defer m.release(lock, id)

	job, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case types.StatusError:
		return job.Progress(), nil
	case types.StatusUploaded, types.StatusRunning:
	default:
		return nil, fmt.Errorf("%w: cannot process a %s job", ErrInvalidState, job.Status)
	}
	if job.Format == reader.FormatZip && job.SelectedEntry == "" {
		return nil, fmt.Errorf("%w: select an archive entry first", ErrInvalidState)
	}

	start := m.now()
	before := job.Status

	if err := m.step(ctx, job); err != nil {
		return nil, err
	}

	job.touch()
	if err := m.store.Save(job); err != nil {
		return nil, err
	}
	if job.Status != before || job.Status.Terminal() {
		m.recordHistory(context.WithoutCancel(ctx), job)
	}

	metrics.ProcessSteps.WithLabelValues(string(job.Status)).Inc()
	metrics.ProcessStepDuration.Observe(time.Since(start).Seconds())

	logrus.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"status":   job.Status,
		"offset":   job.Offset,
		"size":     job.Size,
		"executed": job.Executed,
		"errors":   job.Errors,
	}).Debug("Processing step finished")

	return job.Progress(), nil
}

// step advances the job in memory. A returned error means nothing may be
// persisted; failures that belong to the job are recorded on it instead.
// Statements run detached from ctx so a caller that goes away stops the step
// between chunks, never in the middle of one.
func (m *Manager) step(ctx context.Context, job *Job) error {
	database := job.ConnectionDB
	if database == "" {
		database = job.Database
	}
	session, err := m.connect(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer session.Close()

	job.Status = types.StatusRunning
	job.Identity = session.Identity()
	exec := policy.NewExecutor(session, m.cfg.LogEntries)
	execCtx := context.WithoutCancel(ctx)

	exec.Position(job.Offset, job.SelectedEntry)
	if err := exec.Restore(execCtx, &job.State); err != nil {
		if errors.Is(err, policy.ErrAborted) {
			m.abort(job, err)
			return nil
		}
		return err
	}

	rd, err := m.openAt(job)
	if err != nil {
		m.failInput(job, err)
		return nil
	}
	defer func() {
		_ = rd.Close() // Close errors are not critical
	}()

	deadline := m.now().Add(m.cfg.StepDeadline)
	for i := 0; i < m.cfg.MaxIterations && m.now().Before(deadline) && ctx.Err() == nil; i++ {
		res, err := splitter.Split(rd, m.cfg.ChunkBytes, job.Lexer)
		if err != nil {
			m.failInput(job, err)
			return nil
		}

		pos := rd.Tell()
		for _, stmt := range res.Statements {
			exec.Position(pos, job.SelectedEntry)
			if _, err := exec.Apply(execCtx, &job.State, stmt); err != nil {
				if errors.Is(err, policy.ErrAborted) {
					m.abort(job, err)
					return nil
				}
				return err
			}
		}
		job.Offset = pos
		job.Lexer = res.State

		if !res.EOF {
			continue
		}

		if next, ok := m.nextEntry(job); ok {
			job.SelectedEntry = next
			job.CurrentEntryIndex++
			job.Offset = 0
			job.Lexer = splitter.State{}
			job.Size = entrySize(job.ZipEntries, next)
			nextRd, err := m.openAt(job)
			if err != nil {
				m.failInput(job, err)
				return nil
			}
			_ = rd.Close() // Close errors are not critical
			rd = nextRd
			logrus.WithFields(logrus.Fields{"job_id": job.ID, "entry": next}).Info("Importing next archive entry")
			continue
		}

		return m.complete(execCtx, job, exec)
	}
	return nil
}

// openAt opens the job's input positioned at its persisted offset
func (m *Manager) openAt(job *Job) (reader.Reader, error) {
	rd, err := reader.Open(m.store.uploadPath(job.ID), job.Format, job.SelectedEntry)
	if err != nil {
		return nil, err
	}
	if job.Offset > 0 {
		if err := rd.Seek(job.Offset); err != nil {
			_ = rd.Close()
			return nil, err
		}
	}
	return rd, nil
}

// nextEntry returns the archive member an import-all job continues with
func (m *Manager) nextEntry(job *Job) (string, bool) {
	if !job.ImportAllEntries {
		return "", false
	}
	names := job.entryNames()
	next := job.CurrentEntryIndex + 1
	if next >= len(names) {
		return "", false
	}
	return names[next], true
}

// complete drains the deferred queues once the whole input was applied
func (m *Manager) complete(ctx context.Context, job *Job, exec *policy.Executor) error {
	if job.Format != reader.FormatPlain && job.Format != reader.FormatZip {
		job.Size = job.Offset
	}
	exec.Position(job.Offset, job.SelectedEntry)
	if err := exec.Drain(ctx, &job.State); err != nil {
		if errors.Is(err, policy.ErrAborted) {
			m.abort(job, err)
			return nil
		}
		return err
	}
	job.Status = types.StatusFinished

	logrus.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"executed": job.Executed,
		"errors":   job.Errors,
	}).Info("Import job finished")
	return nil
}

func (m *Manager) abort(job *Job, cause error) {
	job.fail(ReasonStatementFailed)
	logrus.WithError(cause).WithField("job_id", job.ID).Warn("Import aborted")
}

func (m *Manager) failInput(job *Job, cause error) {
	reason := ReasonUnreadableInput
	if errors.Is(cause, reader.ErrUnsupportedFormat) {
		reason = ReasonUnsupportedFormat
	}
	job.fail(reason)
	logrus.WithError(cause).WithField("job_id", job.ID).Warn("Failed to read job input")
}
