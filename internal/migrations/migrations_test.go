package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAll_Ordered(t *testing.T) {
	ms, err := All()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].Version, ms[i].Version)
	}
	assert.Contains(t, ms[0].SQL, "CREATE TABLE IF NOT EXISTS channel_configs")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{"no prefix", fstest.MapFS{"m/init.sql": {Data: []byte("SELECT 1")}}},
		{"bad version", fstest.MapFS{"m/abc_init.sql": {Data: []byte("SELECT 1")}}},
		{"duplicate version", fstest.MapFS{
			"m/001_a.sql": {Data: []byte("SELECT 1")},
			"m/001_b.sql": {Data: []byte("SELECT 1")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(tt.files, "m")
			assert.Error(t, err)
		})
	}
}

func TestApply_Idempotent(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	v1, err := Apply(ctx, db)
	require.NoError(t, err)
	ms, _ := All()
	assert.Equal(t, ms[len(ms)-1].Version, v1)

	v2, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, len(ms), n)
}

func TestApply_FailedMigrationRollsBack(t *testing.T) {
	db := openDB(t)
	ms := []Migration{
		{Version: 1, Name: "001_ok.sql", SQL: "CREATE TABLE a (id INTEGER)"},
		{Version: 2, Name: "002_bad.sql", SQL: "CREATE TABLE b (id INTEGER); NOT SQL"},
	}
	v, err := apply(context.Background(), db, ms)
	require.Error(t, err)
	assert.Equal(t, 1, v)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'b'`).Scan(&n))
	assert.Zero(t, n)
}
