// ABOUTME: Tests for the SQLite kv backend
// ABOUTME: Runs the shared store suite plus expiry purge and reopen persistence

package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSQLiteStore(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	runStoreSuite(t, s)
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "kv.db")

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file should exist")
}

func TestSQLiteStore_PurgeExpired(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
	require.NoError(t, s.Set(ctx, "long", []byte("y"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("z"), 0))

	time.Sleep(30 * time.Millisecond)

	n, err := s.purgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "session:a:creds", []byte("blob"), 0))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "session:a:creds")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)
}

func TestSQLiteStore_CloseTwice(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
