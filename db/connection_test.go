package db

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpen(t *testing.T) {
	t.Run("applies pragmas on every connection", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		// Force a second pooled connection and check it too
		conn1, err := db.Conn(t.Context())
		require.NoError(t, err)
		defer conn1.Close()
		conn2, err := db.Conn(t.Context())
		require.NoError(t, err)
		defer conn2.Close()

		var foreignKeys, busyTimeout int
		require.NoError(t, conn2.QueryRowContext(t.Context(), "PRAGMA foreign_keys").Scan(&foreignKeys))
		require.NoError(t, conn2.QueryRowContext(t.Context(), "PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, 1, foreignKeys)
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("invalid path fails with stack", func(t *testing.T) {
		_, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		require.Error(t, err)
		assert.Contains(t, fmt.Sprintf("%+v", err), "connection.go")
	})

	t.Run("logs when logger provided", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		db.Close()
	})
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "a.db?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", dsn("a.db"))
	assert.Equal(t, "file:a.db?cache=shared&_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", dsn("file:a.db?cache=shared"))
}

func TestTimeRoundTripAndOrdering(t *testing.T) {
	early := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(500 * time.Millisecond)

	assert.Less(t, FormatTime(early), FormatTime(late), "fixed width keeps string order chronological")

	parsed, err := ParseTime(FormatTime(late))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(late))

	zone := time.FixedZone("CET", 3600)
	assert.Equal(t, FormatTime(early), FormatTime(early.In(zone)), "stored in UTC regardless of zone")

	none, err := ParseNullTime(NullTime(nil))
	require.NoError(t, err)
	assert.Nil(t, none)
}
