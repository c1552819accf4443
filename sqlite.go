package fairsim

// sqlite.go mirrors the report series into a SQLite database, one row per record,
// so a sweep of runs can be queried together.  Rows are batched in a transaction
// that is committed every sqliteBatch records and on Close.

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteBatch = 4096

// ErrNoTransaction is returned by a SQLiteSink that is closed or failed to begin its
// next batch
var ErrNoTransaction = errors.New("sqlite sink has no open transaction")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS series (
    run TEXT,
    name TEXT,
    kind TEXT,
    header TEXT,
    PRIMARY KEY (run, name)
);
CREATE TABLE IF NOT EXISTS samples (
    run TEXT,
    series TEXT,
    t REAL,
    k INTEGER,
    v REAL
);
CREATE INDEX IF NOT EXISTS samples_series ON samples (run, series);
`

// SQLiteSink is a ReportSink backed by a SQLite file.  RunID separates the rows of
// different runs written to the same database.
type SQLiteSink struct {
	RunID   string
	db      *sql.DB
	tx      *sql.Tx
	stmt    *sql.Stmt
	pending int
	kinds   map[string]SeriesKind
}

// OpenSQLiteSink opens (creating if needed) the database at path
func OpenSQLiteSink(path, runID string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema %s: %w", path, err)
	}
	ss := &SQLiteSink{RunID: runID, db: db, kinds: make(map[string]SeriesKind)}
	if err := ss.begin(); err != nil {
		db.Close()
		return nil, err
	}
	return ss, nil
}

func (ss *SQLiteSink) begin() error {
	tx, err := ss.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO samples (run, series, t, k, v) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	ss.tx, ss.stmt, ss.pending = tx, stmt, 0
	return nil
}

func (ss *SQLiteSink) commit() error {
	ss.stmt.Close()
	err := ss.tx.Commit()
	ss.tx, ss.stmt = nil, nil
	if err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// Declare records the series in the series table
func (ss *SQLiteSink) Declare(desc SeriesDesc) error {
	if _, present := ss.kinds[desc.Name]; present {
		return fmt.Errorf("series %s declared twice", desc.Name)
	}
	if ss.tx == nil {
		return fmt.Errorf("sqlite declare %s: %w", desc.Name, ErrNoTransaction)
	}
	_, err := ss.tx.Exec(`INSERT OR REPLACE INTO series (run, name, kind, header) VALUES (?, ?, ?, ?)`,
		ss.RunID, desc.Name, desc.Kind.String(), desc.header())
	if err != nil {
		return fmt.Errorf("sqlite declare %s: %w", desc.Name, err)
	}
	ss.kinds[desc.Name] = desc.Kind
	return nil
}

// Append inserts one sample row
func (ss *SQLiteSink) Append(series string, rec Record) error {
	if _, present := ss.kinds[series]; !present {
		return fmt.Errorf("%s: %w", series, ErrUndeclaredSeries)
	}
	if ss.tx == nil {
		return fmt.Errorf("sqlite insert %s: %w", series, ErrNoTransaction)
	}
	if _, err := ss.stmt.Exec(ss.RunID, series, rec.Time, rec.Key, rec.Value); err != nil {
		return fmt.Errorf("sqlite insert %s: %w", series, err)
	}
	ss.pending += 1
	if ss.pending < sqliteBatch {
		return nil
	}
	if err := ss.commit(); err != nil {
		return err
	}
	return ss.begin()
}

// Close commits outstanding rows and closes the database
func (ss *SQLiteSink) Close() error {
	if ss.db == nil {
		return nil
	}
	var err error
	if ss.tx != nil {
		err = ss.commit()
	}
	if cerr := ss.db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("sqlite close: %w", cerr)
	}
	ss.db = nil
	return err
}

// CountSamples returns how many rows a series holds for this sink's run
func (ss *SQLiteSink) CountSamples(series string) (int, error) {
	if ss.tx == nil {
		return 0, fmt.Errorf("sqlite count %s: %w", series, ErrNoTransaction)
	}
	var cnt int
	err := ss.tx.QueryRow(`SELECT COUNT(*) FROM samples WHERE run = ? AND series = ?`, ss.RunID, series).Scan(&cnt)
	return cnt, err
}
