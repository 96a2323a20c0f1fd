package store

import (
	"fmt"
	"path/filepath"
	"sync"
)

// DBFileName is the database file inside the metadata directory.
const DBFileName = "state.db"

// manager tracks one open database per path. bbolt holds an exclusive file
// lock, so a second Open of the same file in this process would block.
type manager struct {
	db   *DB
	refs int
}

var (
	managersMu sync.Mutex
	managers   = map[string]*manager{}
)

// GetSharedDB returns a shared database connection for the given metadata
// directory. The connection is reference counted and closed when the last
// holder releases it.
func GetSharedDB(metaDir string) (*SharedDB, error) {
	managersMu.Lock()
	defer managersMu.Unlock()

	dbPath, err := filepath.Abs(filepath.Join(metaDir, DBFileName))
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}

	m := managers[dbPath]
	if m == nil {
		db, err := Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		m = &manager{db: db}
		managers[dbPath] = m
	}
	m.refs++

	return &SharedDB{DB: m.db, path: dbPath}, nil
}

// SharedDB wraps a database connection with reference counting.
type SharedDB struct {
	*DB
	path   string
	closed bool
}

// Close releases this reference and closes the database when none remain.
func (sdb *SharedDB) Close() error {
	managersMu.Lock()
	defer managersMu.Unlock()

	if sdb.closed {
		return nil
	}
	sdb.closed = true

	m := managers[sdb.path]
	if m == nil {
		return nil
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}
	delete(managers, sdb.path)
	return m.db.Close()
}
