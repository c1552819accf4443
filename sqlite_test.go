package fairsim

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSink(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "series.db")
	ss, err := OpenSQLiteSink(dbPath, "run-a")
	require.NoError(t, err)

	require.NoError(t, ss.Declare(SeriesDesc{Name: "S1R1-throughput", Kind: TimeIndexValue}))
	assert.Error(t, ss.Declare(SeriesDesc{Name: "S1R1-throughput", Kind: TimeIndexValue}))
	assert.Error(t, ss.Append("undeclared", Record{}))

	// cross a batch boundary
	for idx := 0; idx < sqliteBatch+10; idx++ {
		require.NoError(t, ss.Append("S1R1-throughput", Record{Time: float64(idx) * 0.001, Key: int64(idx % 5), Value: 1.5}))
	}
	cnt, err := ss.CountSamples("S1R1-throughput")
	require.NoError(t, err)
	assert.Equal(t, sqliteBatch+10, cnt)
	require.NoError(t, ss.Close())
	require.NoError(t, ss.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var kind string
	require.NoError(t, db.QueryRow(`SELECT kind FROM series WHERE run = ? AND name = ?`, "run-a",
		"S1R1-throughput").Scan(&kind))
	assert.Equal(t, "time-index-value", kind)

	var total int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM samples WHERE run = ?`, "run-a").Scan(&total))
	assert.Equal(t, sqliteBatch+10, total)
}

func TestSQLiteSinkSeparatesRuns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "series.db")
	for _, runID := range []string{"first", "second"} {
		ss, err := OpenSQLiteSink(dbPath, runID)
		require.NoError(t, err)
		require.NoError(t, ss.Declare(SeriesDesc{Name: "Jain", Kind: TimeValue}))
		require.NoError(t, ss.Append("Jain", Record{Time: 0.1, Value: 0.97}))
		cnt, err := ss.CountSamples("Jain")
		require.NoError(t, err)
		assert.Equal(t, 1, cnt)
		require.NoError(t, ss.Close())
	}
}

func TestSQLiteSinkWithoutTransaction(t *testing.T) {
	ss, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "series.db"), "run-a")
	require.NoError(t, err)
	require.NoError(t, ss.Declare(SeriesDesc{Name: "Jain", Kind: TimeValue}))

	// the state left by a batch whose successor failed to begin
	require.NoError(t, ss.commit())
	assert.True(t, errors.Is(ss.Append("Jain", Record{Time: 0.1}), ErrNoTransaction))
	assert.True(t, errors.Is(ss.Declare(SeriesDesc{Name: "qlen", Kind: TimeValue}), ErrNoTransaction))
	require.NoError(t, ss.Close())

	_, err = ss.CountSamples("Jain")
	assert.True(t, errors.Is(err, ErrNoTransaction))
	assert.True(t, errors.Is(ss.Append("Jain", Record{Time: 0.2}), ErrNoTransaction))
}
