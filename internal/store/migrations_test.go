package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)

	// newTestStore already migrated once; a second run must skip every script.
	require.NoError(t, s.Migrate(context.Background()))

	var count int
	row := s.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM migration_history`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)

	seedExecution(t, s)
}

func TestMigrate_RecordsFilenames(t *testing.T) {
	s := newTestStore(t)

	var name string
	row := s.db.QueryRowContext(context.Background(), `SELECT filename FROM migration_history ORDER BY filename`)
	require.NoError(t, row.Scan(&name))
	assert.Equal(t, "001_initial_schema.sql", name)
}

func TestSQLStatements(t *testing.T) {
	script := `-- header comment
CREATE TABLE a (id TEXT);

-- another comment
CREATE INDEX idx_a ON a (id);
`
	stmts := sqlStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id TEXT)", stmts[0])
	assert.Equal(t, "CREATE INDEX idx_a ON a (id)", stmts[1])
}
