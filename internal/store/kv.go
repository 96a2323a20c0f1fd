// Package store keeps vbranch metadata in a bbolt database: versioned
// ownership state records keyed by working directory snapshot, the session
// log, references and repository metadata.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// Buckets
var (
	BucketState      = []byte("state")       // snapshot id -> state record
	BucketStateOrder = []byte("state-order") // sequence -> snapshot id
	BucketOpLog      = []byte("oplog")       // sequence -> log entry
	BucketRefs       = []byte("refs")        // ref name -> object id
	BucketMeta       = []byte("meta")        // repository metadata
)

var keyLatest = []byte("latest-state")

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("not found")

type DB struct{ *bbolt.DB }

func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{BucketState, BucketStateOrder, BucketOpLog, BucketRefs, BucketMeta} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func (db *DB) Close() error { return db.DB.Close() }

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// PutState stores a state record for snapshot and marks it as the latest.
func (db *DB) PutState(snapshot string, record []byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		states := tx.Bucket(BucketState)
		if states.Get([]byte(snapshot)) == nil {
			order := tx.Bucket(BucketStateOrder)
			seq, err := order.NextSequence()
			if err != nil {
				return err
			}
			if err := order.Put(seqKey(seq), []byte(snapshot)); err != nil {
				return err
			}
		}
		if err := states.Put([]byte(snapshot), record); err != nil {
			return err
		}
		return tx.Bucket(BucketMeta).Put(keyLatest, []byte(snapshot))
	})
}

// GetState returns the record stored for snapshot.
func (db *DB) GetState(snapshot string) ([]byte, error) {
	var out []byte
	err := db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(BucketState).Get([]byte(snapshot))
		if v == nil {
			return fmt.Errorf("state %s: %w", snapshot, ErrNotFound)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// LatestState returns the most recently stored record.
func (db *DB) LatestState() (snapshot string, record []byte, err error) {
	err = db.View(func(tx *bbolt.Tx) error {
		latest := tx.Bucket(BucketMeta).Get(keyLatest)
		if latest == nil {
			return fmt.Errorf("latest state: %w", ErrNotFound)
		}
		v := tx.Bucket(BucketState).Get(latest)
		if v == nil {
			return fmt.Errorf("state %s: %w", latest, ErrNotFound)
		}
		snapshot = string(latest)
		record = append([]byte(nil), v...)
		return nil
	})
	return
}

// PruneStates keeps only the newest keep records. The latest record is never removed.
func (db *DB) PruneStates(keep int) (int, error) {
	removed := 0
	err := db.Update(func(tx *bbolt.Tx) error {
		order := tx.Bucket(BucketStateOrder)
		states := tx.Bucket(BucketState)
		latest := string(tx.Bucket(BucketMeta).Get(keyLatest))

		total := order.Stats().KeyN
		excess := total - keep
		if excess <= 0 {
			return nil
		}

		var doomed [][]byte
		c := order.Cursor()
		for k, v := c.First(); k != nil && len(doomed) < excess; k, v = c.Next() {
			if string(v) == latest {
				continue
			}
			doomed = append(doomed, append([]byte(nil), k...))
			if err := states.Delete(v); err != nil {
				return err
			}
		}
		for _, k := range doomed {
			if err := order.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	return removed, err
}

// AppendLog stores value under the next log sequence number and returns it.
func (db *DB) AppendLog(encode func(seq uint64) ([]byte, error)) (uint64, error) {
	var seq uint64
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketOpLog)
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		value, err := encode(next)
		if err != nil {
			return err
		}
		seq = next
		return b.Put(seqKey(next), value)
	})
	return seq, err
}

// ForEachLog visits log entries in sequence order.
func (db *DB) ForEachLog(fn func(seq uint64, value []byte) error) error {
	return db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketOpLog).ForEach(func(k, v []byte) error {
			return fn(binary.BigEndian.Uint64(k), v)
		})
	})
}

// GetRef returns a reference value, or "" when unset.
func (db *DB) GetRef(name string) (string, error) {
	var value string
	err := db.View(func(tx *bbolt.Tx) error {
		value = string(tx.Bucket(BucketRefs).Get([]byte(name)))
		return nil
	})
	return value, err
}

// SetRef stores a reference value.
func (db *DB) SetRef(name, value string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketRefs).Put([]byte(name), []byte(value))
	})
}

// PutMeta stores a metadata key-value pair.
func (db *DB) PutMeta(key, value string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketMeta).Put([]byte(key), []byte(value))
	})
}

// GetMeta retrieves a metadata value by key.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(BucketMeta).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("meta %s: %w", key, ErrNotFound)
		}
		value = string(v)
		return nil
	})
	return value, err
}
