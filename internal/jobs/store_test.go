package jobs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rossigee/sqlimport/internal/policy"
	"github.com/rossigee/sqlimport/internal/splitter"
	"github.com/rossigee/sqlimport/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateJobID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "uuid", id: NewJobID()},
		{name: "legacy hex", id: NewLegacyJobID()},
		{name: "empty", id: "", wantErr: true},
		{name: "uppercase uuid", id: strings.ToUpper(NewJobID()), wantErr: true},
		{name: "uppercase hex", id: strings.Repeat("A", 32), wantErr: true},
		{name: "short hex", id: strings.Repeat("a", 31), wantErr: true},
		{name: "path traversal", id: "../etc/passwd", wantErr: true},
		{name: "slash", id: "abc/def", wantErr: true},
		{name: "backslash", id: `abc\def`, wantErr: true},
		{name: "nul byte", id: "abc\x00", wantErr: true},
		{name: "too long", id: strings.Repeat("a", 65), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidJobID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	job := &Job{
		ID:     NewJobID(),
		Status: types.StatusRunning,
		Offset: 42,
		State: policy.State{
			Scope:           policy.ScopeTable,
			ScopeIdent:      "public.items",
			Options:         policy.DefaultOptions(),
			RightsQueue:     []string{"GRANT SELECT ON items TO reader;"},
			Executed:        7,
			TruncatedTables: []string{"public.items"},
		},
		Lexer: splitter.State{Pending: "INSERT INTO items VALUES ('a", Scanned: 27, Mode: splitter.ModeSingleQuote},
	}
	require.NoError(t, store.Create(job))

	_, err = os.Stat(store.uploadPath(job.ID))
	require.NoError(t, err, "upload file should exist")

	loaded, err := store.Load(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Offset, loaded.Offset)
	assert.Equal(t, job.State.Scope, loaded.Scope)
	assert.Equal(t, job.RightsQueue, loaded.RightsQueue)
	assert.Equal(t, job.TruncatedTables, loaded.TruncatedTables)
	assert.Equal(t, job.Lexer, loaded.Lexer)

	loaded.Offset = 99
	require.NoError(t, store.Save(loaded))
	reloaded, err := store.Load(job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(99), reloaded.Offset)

	_, err = os.Stat(store.statePath(job.ID) + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary state file should be renamed away")

	ids, err := store.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	require.NoError(t, store.Delete(job.ID))
	_, err = store.Load(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_StateIsFlatJSON(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	job := &Job{ID: NewJobID(), Status: types.StatusUploading, State: policy.State{Scope: policy.ScopeDatabase}}
	require.NoError(t, store.Create(job))

	data, err := os.ReadFile(store.statePath(job.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scope": "database"`)
	assert.Contains(t, string(data), `"deferred"`)
	assert.Contains(t, string(data), `"lexer"`)
}

func TestStore_IgnoresForeignEntries(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(root, "lost+found"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, NewLegacyJobID()), nil, 0o600))

	ids, err := store.IDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_InvalidID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("../../etc")
	assert.ErrorIs(t, err, ErrInvalidJobID)
	_, err = store.Lock("../../etc")
	assert.ErrorIs(t, err, ErrInvalidJobID)
	assert.ErrorIs(t, store.Delete("../../etc"), ErrInvalidJobID)
}

func TestLock_Exclusive(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	job := &Job{ID: NewJobID(), Status: types.StatusUploading}
	require.NoError(t, store.Create(job))

	first, err := store.Lock(job.ID)
	require.NoError(t, err)

	_, err = store.Lock(job.ID)
	assert.ErrorIs(t, err, ErrJobBusy)

	require.NoError(t, first.Release())
	second, err := store.Lock(job.ID)
	require.NoError(t, err)
	require.NoError(t, second.Release())
	assert.NoError(t, second.Release(), "releasing twice is harmless")
}

func TestLock_MissingJob(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Lock(NewJobID())
	assert.ErrorIs(t, err, ErrJobNotFound)
}
