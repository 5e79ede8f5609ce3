// Package bolt persists the emergency breaker so a tripped breaker is still
// tripped after a restart.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"tws-bridge/internal/model"
)

const (
	bucketBreaker = "breaker"
	bucketHistory = "breaker_history"
	keyState      = "state"
)

// Store keeps the breaker record and a history of every saved transition.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketBreaker)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketHistory))
		return err
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadBreaker returns the saved record; ok is false when none was saved.
func (s *Store) LoadBreaker() (model.BreakerState, bool, error) {
	var (
		st model.BreakerState
		ok bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketBreaker)).Get([]byte(keyState))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &st)
	})
	return st, ok, err
}

// SaveBreaker stores st and appends it to the history when the open flag
// changed.
func (s *Store) SaveBreaker(st model.BreakerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBreaker))
		changed := true
		if prev := b.Get([]byte(keyState)); prev != nil {
			var old model.BreakerState
			if json.Unmarshal(prev, &old) == nil {
				changed = old.Open != st.Open
			}
		}
		if err := b.Put([]byte(keyState), data); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		h := tx.Bucket([]byte(bucketHistory))
		seq, err := h.NextSequence()
		if err != nil {
			return err
		}
		return h.Put(itob(seq), data)
	})
}

// History returns up to limit saved transitions, newest first.
func (s *Store) History(limit int) ([]model.BreakerState, error) {
	if limit <= 0 {
		limit = 50
	}
	out := make([]model.BreakerState, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketHistory)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var st model.BreakerState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
