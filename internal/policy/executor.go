// Package policy decides, statement by statement, whether an import executes,
// queues, skips or blocks, and runs what it allows.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rossigee/sqlimport/internal/classify"
	"github.com/rossigee/sqlimport/internal/metrics"
	"github.com/rossigee/sqlimport/internal/splitter"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAborted is returned when a statement fails and the job runs in abort mode
	ErrAborted = errors.New("statement failed")
	// ErrInterrupted is returned when the context ends while a statement runs.
	// The statement is not counted as failed.
	ErrInterrupted = errors.New("statement interrupted")
)

// DefaultLogEntries is the log ring size used when none is configured
const DefaultLogEntries = 200

// Session is the database connection statements are executed on
type Session interface {
	Exec(ctx context.Context, stmt string) error
	CopyFrom(ctx context.Context, copySQL, data string) (int64, error)
	Reconnect(ctx context.Context, database string) error
	Refresh(ctx context.Context) error
	Identity() string
	Privileged() bool
}

// Executor applies the execution policy of one job to its statements
type Executor struct {
	session    Session
	logEntries int
	offset     int64
	entry      string
	now        func() time.Time
}

// NewExecutor creates an executor over session keeping at most logEntries log entries
func NewExecutor(session Session, logEntries int) *Executor {
	if logEntries <= 0 {
		logEntries = DefaultLogEntries
	}
	return &Executor{
		session:    session,
		logEntries: logEntries,
		now:        time.Now,
	}
}

// Position sets the input position recorded in subsequent log entries
func (e *Executor) Position(offset int64, entry string) {
	e.offset = offset
	e.entry = entry
}

// Apply runs one statement through the policy. The returned error is non-nil
// only when the job must stop, and then wraps ErrAborted or ErrInterrupted.
func (e *Executor) Apply(ctx context.Context, st *State, stmt string) (Outcome, error) {
	info := classify.Inspect(stmt, e.session.Identity())

	if reason := scopeDenial(st, info); reason != "" {
		return e.record(st, info, stmt, OutcomeBlocked, reason), nil
	}

	opts := st.Options
	switch info.Category {
	case classify.CategorySelfAffecting:
		if opts.DeferSelf || !e.mayChangeSelf(st) {
			st.Deferred = append(st.Deferred, stmt)
			return e.record(st, info, stmt, OutcomeQueued, "self-affecting statement deferred"), nil
		}
		outcome, err := e.execute(ctx, st, info, stmt, OutcomeExecuted)
		if outcome == OutcomeExecuted {
			e.refreshIdentity(ctx, st)
		}
		return outcome, err

	case classify.CategoryConnectionChange:
		return e.reconnect(ctx, st, info, stmt)

	case classify.CategoryData:
		if !opts.ImportData {
			return e.record(st, info, stmt, OutcomeSkipped, "data import disabled"), nil
		}

	case classify.CategoryDrop:
		if !opts.AllowDrops {
			return e.record(st, info, stmt, OutcomeBlocked, "drops not allowed"), nil
		}

	case classify.CategoryOwnershipChange:
		if !opts.ImportOwnership {
			return e.record(st, info, stmt, OutcomeSkipped, "ownership import disabled"), nil
		}
		st.OwnershipQueue = append(st.OwnershipQueue, stmt)
		return e.record(st, info, stmt, OutcomeQueued, ""), nil

	case classify.CategoryRights:
		if !opts.ImportRights {
			return e.record(st, info, stmt, OutcomeSkipped, "rights import disabled"), nil
		}
		st.RightsQueue = append(st.RightsQueue, stmt)
		return e.record(st, info, stmt, OutcomeQueued, ""), nil
	}

	if reason := kindDisabled(opts, info); reason != "" {
		return e.record(st, info, stmt, OutcomeSkipped, reason), nil
	}

	if info.Category == classify.CategoryData && opts.Truncate && info.Loads {
		if outcome, err := e.truncateOnce(ctx, st, info); err != nil {
			return outcome, err
		}
	}

	return e.execute(ctx, st, info, stmt, OutcomeExecuted)
}

// Drain executes the deferred queues in order: ownership, rights, then
// self-affecting statements. Each statement leaves its queue before it runs.
func (e *Executor) Drain(ctx context.Context, st *State) error {
	for len(st.OwnershipQueue) > 0 {
		stmt := st.OwnershipQueue[0]
		st.OwnershipQueue = st.OwnershipQueue[1:]
		if _, err := e.execute(ctx, st, classify.Inspect(stmt, e.session.Identity()), stmt, OutcomeDeferredExecuted); err != nil {
			return err
		}
	}

	for len(st.RightsQueue) > 0 {
		stmt := st.RightsQueue[0]
		st.RightsQueue = st.RightsQueue[1:]
		if _, err := e.execute(ctx, st, classify.Inspect(stmt, e.session.Identity()), stmt, OutcomeDeferredExecuted); err != nil {
			return err
		}
	}

	for len(st.Deferred) > 0 {
		stmt := st.Deferred[0]
		st.Deferred = st.Deferred[1:]
		info := classify.Inspect(stmt, e.session.Identity())
		info.Category = classify.CategorySelfAffecting
		if !e.mayChangeSelf(st) {
			e.record(st, info, stmt, OutcomeSkipped, "self-affecting statement needs a privileged connection or server scope")
			continue
		}
		outcome, err := e.execute(ctx, st, info, stmt, OutcomeDeferredExecuted)
		if err != nil {
			return err
		}
		if outcome == OutcomeDeferredExecuted {
			e.refreshIdentity(ctx, st)
		}
	}

	return nil
}

// Restore replays the session settings of earlier steps on a new connection.
// A setting that no longer applies is reported like a failed statement and
// forgotten.
func (e *Executor) Restore(ctx context.Context, st *State) error {
	if len(st.Settings) == 0 {
		return nil
	}
	settings := st.Settings
	kept := make([]Setting, 0, len(settings))
	role := false
	for i, set := range settings {
		if err := e.session.Exec(ctx, set.Statement); err != nil {
			info := classify.Info{Category: classify.CategoryUnknown, Setting: set.Name}
			if _, err := e.failure(ctx, st, info, set.Statement, err); err != nil {
				st.Settings = append(kept, settings[i:]...)
				return err
			}
			continue
		}
		kept = append(kept, set)
		role = role || set.Name == "role" || set.Name == "session_authorization"
	}
	st.Settings = kept
	if role {
		e.refreshIdentity(ctx, st)
	}
	return nil
}

func (e *Executor) mayChangeSelf(st *State) bool {
	return st.Scope == ScopeServer || e.session.Privileged()
}

func (e *Executor) refreshIdentity(ctx context.Context, st *State) {
	if err := e.session.Refresh(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to refresh session identity")
		return
	}
	st.Identity = e.session.Identity()
}

func (e *Executor) reconnect(ctx context.Context, st *State, info classify.Info, stmt string) (Outcome, error) {
	if st.Scope != ScopeServer {
		return e.record(st, info, stmt, OutcomeSkipped, "connection changes apply only in server scope"), nil
	}
	if info.Database == "" {
		return e.record(st, info, stmt, OutcomeSkipped, "no database named"), nil
	}
	if err := e.session.Reconnect(ctx, info.Database); err != nil {
		return e.failure(ctx, st, info, stmt, err)
	}
	st.ConnectionDB = info.Database
	st.Identity = e.session.Identity()
	st.Settings = nil
	st.Executed++
	return e.record(st, info, stmt, OutcomeExecuted, "connected to "+info.Database), nil
}

// truncateOnce empties the target table before the first row is loaded into
// it. A failed truncate that the error mode lets pass is not retried.
func (e *Executor) truncateOnce(ctx context.Context, st *State, info classify.Info) (Outcome, error) {
	table, ok := classify.NormalizeTable(info.Target, defaultSchema(st))
	if !ok || st.truncated(table.String()) {
		return "", nil
	}

	stmt := "TRUNCATE TABLE " + table.Quoted() + ";"
	if err := e.session.Exec(ctx, stmt); err != nil {
		outcome, err := e.failure(ctx, st, info, stmt, err)
		if err == nil {
			st.TruncatedTables = append(st.TruncatedTables, table.String())
		}
		return outcome, err
	}
	st.TruncatedTables = append(st.TruncatedTables, table.String())
	return e.record(st, info, stmt, OutcomeTruncated, table.String()), nil
}

func (e *Executor) execute(ctx context.Context, st *State, info classify.Info, stmt string, success Outcome) (Outcome, error) {
	var err error
	if info.Bulk {
		header, data := splitter.SplitBulk(stmt)
		_, err = e.session.CopyFrom(ctx, header, data)
	} else {
		err = e.session.Exec(ctx, stmt)
	}
	if err != nil {
		return e.failure(ctx, st, info, stmt, err)
	}
	st.Executed++
	if info.Setting != "" {
		st.remember(info.Setting, info.Reset, stmt)
	}
	return e.record(st, info, stmt, success, ""), nil
}

// failure reports a statement error, unless the context ended while the
// statement ran
func (e *Executor) failure(ctx context.Context, st *State, info classify.Info, stmt string, err error) (Outcome, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return OutcomeFailed, fmt.Errorf("%w: %s: %v", ErrInterrupted, summarize(stmt), ctxErr)
	}
	return e.fail(st, info, stmt, err)
}

func (e *Executor) fail(st *State, info classify.Info, stmt string, err error) (Outcome, error) {
	st.Errors++
	e.record(st, info, stmt, OutcomeFailed, err.Error())

	switch st.Options.ErrorMode {
	case ErrorModeIgnore:
		return OutcomeFailed, nil
	case ErrorModeLog:
		logrus.WithError(err).WithFields(logrus.Fields{
			"category":  info.Category,
			"statement": summarize(stmt),
		}).Warn("Statement failed, continuing")
		return OutcomeFailed, nil
	}
	return OutcomeFailed, fmt.Errorf("%w: %s: %v", ErrAborted, summarize(stmt), err)
}

// record appends a log entry, dropping the oldest beyond the ring size
func (e *Executor) record(st *State, info classify.Info, stmt string, outcome Outcome, detail string) Outcome {
	st.Log = append(st.Log, LogEntry{
		Time:      e.now().UTC(),
		Offset:    e.offset,
		Entry:     e.entry,
		Category:  info.Category,
		Outcome:   outcome,
		Statement: summarize(stmt),
		Detail:    detail,
	})
	if over := len(st.Log) - e.logEntries; over > 0 {
		st.Log = append([]LogEntry(nil), st.Log[over:]...)
	}
	metrics.StatementsTotal.WithLabelValues(string(info.Category), string(outcome)).Inc()
	return outcome
}
