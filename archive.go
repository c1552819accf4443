package fairsim

// archive.go keeps the summaries of many runs in one badger database, keyed by run id.
// ULIDs sort by creation time and badger iterates keys in order, so a scan walks the
// runs in the order they ran.

import (
	"encoding/json"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
)

// ErrRunNotFound is returned by Get for an id the archive does not hold
var ErrRunNotFound = errors.New("run not in archive")

var runKeyPrefix = []byte("run/")

func runKey(runID string) []byte {
	return append(append([]byte{}, runKeyPrefix...), runID...)
}

// RunArchive is a badger database of RunSummary records
type RunArchive struct {
	Dir string
	db  *badger.DB
}

// OpenRunArchive opens or creates the archive held in directory dir
func OpenRunArchive(dir string) (*RunArchive, error) {
	opts := badger.DefaultOptions
	opts.Truncate = true
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open run archive %s", dir)
	}
	return &RunArchive{Dir: dir, db: db}, nil
}

// Put stores a summary under its run id
func (ra *RunArchive) Put(rs *RunSummary) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return errors.Wrap(err, "encode run summary")
	}
	return ra.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(rs.RunID), data)
	})
}

// Get reads back the summary of one run
func (ra *RunArchive) Get(runID string) (*RunSummary, error) {
	var rs RunSummary
	err := ra.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err == badger.ErrKeyNotFound {
			return errors.Wrap(ErrRunNotFound, runID)
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &rs)
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// RunIDs lists the archived runs, oldest first
func (ra *RunArchive) RunIDs() ([]string, error) {
	var ids []string
	err := ra.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Seek(runKeyPrefix); it.ValidForPrefix(runKeyPrefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(runKeyPrefix):]))
		}
		return nil
	})
	return ids, err
}

// Close closes the database
func (ra *RunArchive) Close() error {
	return ra.db.Close()
}
