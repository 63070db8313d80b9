package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/rossigee/sqlimport/internal/classify"
)

// Scope is the administrative boundary a job may affect
type Scope string

const (
	ScopeServer   Scope = "server"
	ScopeDatabase Scope = "database"
	ScopeSchema   Scope = "schema"
	ScopeTable    Scope = "table"
)

// ParseScope validates a scope name
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeServer, ScopeDatabase, ScopeSchema, ScopeTable:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// ErrorMode selects what a failed statement does to the job
type ErrorMode string

const (
	ErrorModeAbort  ErrorMode = "abort"
	ErrorModeLog    ErrorMode = "log"
	ErrorModeIgnore ErrorMode = "ignore"
)

// Outcome is what happened to one statement
type Outcome string

const (
	OutcomeExecuted         Outcome = "executed"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeQueued           Outcome = "queued"
	OutcomeFailed           Outcome = "failed"
	OutcomeTruncated        Outcome = "truncated"
	OutcomeDeferredExecuted Outcome = "deferred_executed"
)

// Options are the per-job switches chosen at creation
type Options struct {
	ImportRoles        bool      `json:"import_roles"`
	ImportTablespaces  bool      `json:"import_tablespaces"`
	ImportDatabases    bool      `json:"import_databases"`
	ImportSchemaCreate bool      `json:"import_schema_create"`
	ImportData         bool      `json:"import_data"`
	Truncate           bool      `json:"truncate"`
	ImportOwnership    bool      `json:"import_ownership"`
	ImportRights       bool      `json:"import_rights"`
	DeferSelf          bool      `json:"defer_self"`
	AllowDrops         bool      `json:"allow_drops"`
	ErrorMode          ErrorMode `json:"error_mode"`
}

// DefaultOptions imports schema objects, data, ownership and rights and aborts on the first failure
func DefaultOptions() Options {
	return Options{
		ImportSchemaCreate: true,
		ImportData:         true,
		ImportOwnership:    true,
		ImportRights:       true,
		ErrorMode:          ErrorModeAbort,
	}
}

// Validate checks the error mode, filling in the default when empty
func (o *Options) Validate() error {
	switch o.ErrorMode {
	case "":
		o.ErrorMode = ErrorModeAbort
	case ErrorModeAbort, ErrorModeLog, ErrorModeIgnore:
	default:
		return fmt.Errorf("unknown error mode %q", o.ErrorMode)
	}
	return nil
}

// LogEntry records the outcome of one statement
type LogEntry struct {
	Time      time.Time         `json:"time"`
	Offset    int64             `json:"offset"`
	Entry     string            `json:"entry,omitempty"`
	Category  classify.Category `json:"category"`
	Outcome   Outcome           `json:"outcome"`
	Statement string            `json:"statement"`
	Detail    string            `json:"detail,omitempty"`
}

// Setting is a session parameter change replayed on the connection of every later step
type Setting struct {
	Name      string `json:"name"`
	Statement string `json:"statement"`
}

// State is the part of a job the executor reads and mutates. It is persisted
// with the job and only touched by the holder of the job lock.
type State struct {
	Scope           Scope      `json:"scope"`
	ScopeIdent      string     `json:"scope_ident,omitempty"`
	Database        string     `json:"database,omitempty"`
	Options         Options    `json:"options"`
	TruncatedTables []string   `json:"truncated_tables"`
	Deferred        []string   `json:"deferred"`
	OwnershipQueue  []string   `json:"ownership_queue"`
	RightsQueue     []string   `json:"rights_queue"`
	Log             []LogEntry `json:"log"`
	Errors          int        `json:"errors"`
	Executed        int        `json:"executed"`
	ConnectionDB    string     `json:"connection_db,omitempty"`
	Identity        string     `json:"identity,omitempty"`
	Settings        []Setting  `json:"settings,omitempty"`
}

// QueuedCount is the number of statements still waiting for the drain
func (s *State) QueuedCount() int {
	return len(s.Deferred) + len(s.OwnershipQueue) + len(s.RightsQueue)
}

func (s *State) truncated(table string) bool {
	for _, t := range s.TruncatedTables {
		if t == table {
			return true
		}
	}
	return false
}

// remember keeps the latest statement per session parameter in execution
// order. RESET drops it; RESET ALL drops everything except role changes.
func (s *State) remember(name string, reset bool, stmt string) {
	kept := make([]Setting, 0, len(s.Settings)+1)
	for _, set := range s.Settings {
		switch {
		case reset && name == "all":
			if set.Name == "role" || set.Name == "session_authorization" {
				kept = append(kept, set)
			}
		case set.Name != name:
			kept = append(kept, set)
		}
	}
	if !reset {
		kept = append(kept, Setting{Name: name, Statement: stmt})
	}
	s.Settings = kept
}

// maxStatementLen bounds the statement text kept in log entries
const maxStatementLen = 200

// summarize collapses whitespace and truncates a statement for the log
func summarize(stmt string) string {
	s := strings.Join(strings.Fields(stmt), " ")
	if len(s) <= maxStatementLen {
		return s
	}
	cut := maxStatementLen
	// avoid splitting a multi-byte character
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
