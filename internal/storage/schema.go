// Package storage keeps a history of import jobs in SQLite. Job directories are
// removed by garbage collection; their history rows outlive them.
package storage

// Schema definitions for the job history database
const (
	// SchemaV1 is the initial database schema
	SchemaV1 = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	status TEXT NOT NULL,
	scope TEXT NOT NULL,
	database_name TEXT,
	size INTEGER DEFAULT 0,
	offset_bytes INTEGER DEFAULT 0,
	errors INTEGER DEFAULT 0,
	executed INTEGER DEFAULT 0,
	error_reason TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

	// SchemaV2 records the options a job ran with
	SchemaV2 = `ALTER TABLE jobs ADD COLUMN options_json TEXT;`
)

// Migrations represents all available migrations
var Migrations = []struct {
	Version int
	SQL     string
}{
	{
		Version: 1,
		SQL:     SchemaV1,
	},
	{
		Version: 2,
		SQL:     SchemaV2,
	},
}
