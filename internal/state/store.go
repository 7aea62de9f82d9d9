// Package state persists per-daemon lifecycle records across supervisor
// restarts: last observed pid and exit status, start and death counters,
// and their timestamps. The records back the history control command.
package state

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// bucketDaemons holds one record per daemon, keyed by name.
var bucketDaemons = []byte("daemons")

// Record is the persisted lifecycle state of one daemon.
type Record struct {
	Name        string
	LastPid     int
	LastExit    *int
	Starts      int
	Deaths      int
	LastStartAt time.Time
	LastExitAt  time.Time
	LastStopAt  time.Time
}

// Store is a BoltDB-backed journal of daemon lifecycle records.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDaemons)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing state store: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordStart journals a successful daemon start.
func (s *Store) RecordStart(name string, pid int) error {
	return s.update(name, func(r *Record) {
		r.LastPid = pid
		r.Starts++
		r.LastStartAt = time.Now()
	})
}

// RecordExit journals a daemon death with its exit code (negative for
// death by signal).
func (s *Store) RecordExit(name string, code int) error {
	return s.update(name, func(r *Record) {
		c := code
		r.LastExit = &c
		r.Deaths++
		r.LastExitAt = time.Now()
	})
}

// RecordStop journals an intentional stop.
func (s *Store) RecordStop(name string) error {
	return s.update(name, func(r *Record) {
		r.LastStopAt = time.Now()
	})
}

// History returns the journaled record for a daemon. A daemon that never
// produced an event has no record.
func (s *Store) History(name string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDaemons).Get([]byte(name))
		if data == nil {
			return nil
		}
		var r Record
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
			return fmt.Errorf("decoding record for %s: %w", name, err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// update applies a mutation to a daemon's record inside one transaction.
func (s *Store) update(name string, mutate func(*Record)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDaemons)
		rec := Record{Name: name}
		if data := bucket.Get([]byte(name)); data != nil {
			if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
				return fmt.Errorf("decoding record for %s: %w", name, err)
			}
		}
		mutate(&rec)
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
			return fmt.Errorf("encoding record for %s: %w", name, err)
		}
		return bucket.Put([]byte(name), buf.Bytes())
	})
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
