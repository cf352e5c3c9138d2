// Package store is the Persistence Store of spec.md section 4.1: the
// single source of truth for program, link and dispatcher records across
// daemon restarts. It is backed by an embedded BoltDB file, following the
// bucket-per-entity layout the corpus uses for embedded KV persistence
// (see octoreflex's internal/storage/bolt.go).
//
// BoltDB serialises all writers onto a single file lock, so the "database
// busy" condition spec.md describes (borrowed from the sqlite/rqlite
// vocabulary the spec is written against) is modeled here as lock-acquire
// timeout: Open sets a bounded Timeout, and every mutation is retried with
// capped exponential backoff up to the configured max_retries before
// surfacing bpferrors.PersistenceBusy to the Coordinator.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bpfman/bpfman-core/internal/bpferrors"
	"github.com/bpfman/bpfman-core/internal/model"
)

var (
	bucketPrograms    = []byte("bpf_programs")
	bucketMaps        = []byte("bpf_maps")
	bucketProgramMaps = []byte("bpf_program_maps")
	bucketLinks       = []byte("bpf_links")
	bucketDispatchers = []byte("dispatchers")
)

// RetryPolicy mirrors [database] in bpfman.toml.
type RetryPolicy struct {
	MaxRetries    int
	MillisecDelay time.Duration
}

// Store wraps a BoltDB handle with typed accessors for the schema in
// spec.md section 4.1.
type Store struct {
	db     *bolt.DB
	policy RetryPolicy
}

// Open opens (or creates) the database file at path and ensures all
// buckets exist.
func Open(path string, policy RetryPolicy) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: db, policy: policy}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPrograms, bucketMaps, bucketProgramMaps, bucketLinks, bucketDispatchers} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// withRetry runs fn inside a bolt.Update, retrying with capped exponential
// backoff on lock-contention errors before surfacing PersistenceBusy.
func (s *Store) withRetry(fn func(tx *bolt.Tx) error) error {
	maxRetries := s.policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	delay := s.policy.MillisecDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if err == bolt.ErrTimeout || err == bolt.ErrDatabaseNotOpen {
			lastErr = err
			time.Sleep(backoff(attempt, delay))
			continue
		}
		return err
	}
	return bpferrors.New(bpferrors.PersistenceBusy, "database busy after retries", lastErr)
}

func backoff(attempt int, base time.Duration) time.Duration {
	d := base << uint(attempt)
	const ceiling = 2 * time.Second
	if d > ceiling {
		d = ceiling
	}
	return d
}

func encode(v interface{}) ([]byte, error) { return json.Marshal(v) }
func decode(b []byte, v interface{}) error { return json.Unmarshal(b, v) }

func programKey(id uint32) []byte { return []byte(fmt.Sprintf("%010d", id)) }

// UpsertProgram writes or overwrites a program record, atomically with its
// map records and program<->map associations.
func (s *Store) UpsertProgram(p *model.Program, maps []model.Map) error {
	return s.withRetry(func(tx *bolt.Tx) error {
		pb, err := encode(p)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketPrograms).Put(programKey(p.ID), pb); err != nil {
			return err
		}

		pm := tx.Bucket(bucketProgramMaps)
		mb := tx.Bucket(bucketMaps)
		for i := range maps {
			m := maps[i]
			mjson, err := encode(&m)
			if err != nil {
				return err
			}
			mapKey := []byte(fmt.Sprintf("%010d", m.ID))
			if err := mb.Put(mapKey, mjson); err != nil {
				return err
			}
			assocKey := []byte(fmt.Sprintf("%010d/%010d", p.ID, m.ID))
			if err := pm.Put(assocKey, []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteProgram removes a program record and its owned map records and
// associations. It does not remove maps owned by a different program even
// if this program referenced them via MapOwnerID.
func (s *Store) DeleteProgram(id uint32) error {
	return s.withRetry(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPrograms).Delete(programKey(id)); err != nil {
			return err
		}

		pm := tx.Bucket(bucketProgramMaps)
		mb := tx.Bucket(bucketMaps)
		prefix := []byte(fmt.Sprintf("%010d/", id))
		c := pm.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			mapID := k[len(prefix):]
			if err := mb.Delete(mapID); err != nil {
				return err
			}
			if err := pm.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// GetProgram fetches a single program record.
func (s *Store) GetProgram(id uint32) (*model.Program, error) {
	var p model.Program
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms).Get(programKey(id))
		if b == nil {
			return nil
		}
		found = true
		return decode(b, &p)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, bpferrors.New(bpferrors.NotFound, fmt.Sprintf("program %d", id), nil)
	}
	return &p, nil
}

// ListPrograms returns every persisted program record.
func (s *Store) ListPrograms() ([]model.Program, error) {
	var out []model.Program
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrograms).ForEach(func(_, v []byte) error {
			var p model.Program
			if err := decode(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// ListMapsForProgram returns the maps associated with a program id
// (including shared maps whose owner is a different program).
func (s *Store) ListMapsForProgram(id uint32) ([]model.Map, error) {
	var out []model.Map
	prefix := []byte(fmt.Sprintf("%010d/", id))
	err := s.db.View(func(tx *bolt.Tx) error {
		pm := tx.Bucket(bucketProgramMaps)
		mb := tx.Bucket(bucketMaps)
		c := pm.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			mapID := k[len(prefix):]
			v := mb.Get(mapID)
			if v == nil {
				continue
			}
			var m model.Map
			if err := decode(v, &m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func linkKey(id string) []byte { return []byte(id) }

// UpsertLink writes or overwrites a link record.
func (s *Store) UpsertLink(l *model.Link) error {
	return s.withRetry(func(tx *bolt.Tx) error {
		b, err := encode(l)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLinks).Put(linkKey(l.ID), b)
	})
}

// DeleteLink removes a link record. Idempotent: deleting an absent link
// succeeds silently, matching the Attach Engine's detach contract in
// spec.md section 4.4.
func (s *Store) DeleteLink(id string) error {
	return s.withRetry(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLinks).Delete(linkKey(id))
	})
}

// GetLink fetches a single link record.
func (s *Store) GetLink(id string) (*model.Link, error) {
	var l model.Link
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLinks).Get(linkKey(id))
		if b == nil {
			return nil
		}
		found = true
		return decode(b, &l)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, bpferrors.New(bpferrors.NotFound, fmt.Sprintf("link %s", id), nil)
	}
	return &l, nil
}

// ListLinks returns every persisted link record.
func (s *Store) ListLinks() ([]model.Link, error) {
	var out []model.Link
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLinks).ForEach(func(_, v []byte) error {
			var l model.Link
			if err := decode(v, &l); err != nil {
				return err
			}
			out = append(out, l)
			return nil
		})
	})
	return out, err
}

// ListLinksForProgram returns links whose ProgramID matches id.
func (s *Store) ListLinksForProgram(id uint32) ([]model.Link, error) {
	all, err := s.ListLinks()
	if err != nil {
		return nil, err
	}
	var out []model.Link
	for _, l := range all {
		if l.ProgramID == id {
			out = append(out, l)
		}
	}
	return out, nil
}

func dispatcherKey(t model.DispatcherTuple) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", t.Iface, t.Direction, t.Netns))
}

// UpsertDispatcher writes or overwrites a dispatcher record. Called once
// per rebuild, in the same transaction conceptually as the link positions
// it derives (spec.md section 4.5 step 7); callers persist links first and
// the dispatcher last within a single rebuild.
func (s *Store) UpsertDispatcher(d *model.Dispatcher) error {
	return s.withRetry(func(tx *bolt.Tx) error {
		b, err := encode(d)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDispatchers).Put(dispatcherKey(d.Tuple), b)
	})
}

// DeleteDispatcher removes a dispatcher record once its link set becomes
// empty.
func (s *Store) DeleteDispatcher(t model.DispatcherTuple) error {
	return s.withRetry(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDispatchers).Delete(dispatcherKey(t))
	})
}

// GetDispatcher fetches the dispatcher record for tuple, if any.
func (s *Store) GetDispatcher(t model.DispatcherTuple) (*model.Dispatcher, error) {
	var d model.Dispatcher
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDispatchers).Get(dispatcherKey(t))
		if b == nil {
			return nil
		}
		found = true
		return decode(b, &d)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &d, nil
}

// ListDispatchers returns every persisted dispatcher record.
func (s *Store) ListDispatchers() ([]model.Dispatcher, error) {
	var out []model.Dispatcher
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDispatchers).ForEach(func(_, v []byte) error {
			var d model.Dispatcher
			if err := decode(v, &d); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// GetByID looks up either a program or a link by id, per the Coordinator's
// polymorphic get() operation (spec.md section 4.6). Program ids are
// formatted as base-10 uint32 strings; link ids are UUIDs, so the two
// namespaces never collide in practice, but both are tried to keep the
// lookup total.
func (s *Store) GetByID(id string) (interface{}, error) {
	var progID uint32
	if _, err := fmt.Sscanf(id, "%d", &progID); err == nil {
		if p, err := s.GetProgram(progID); err == nil {
			return p, nil
		}
	}
	if l, err := s.GetLink(id); err == nil {
		return l, nil
	}
	return nil, bpferrors.New(bpferrors.NotFound, fmt.Sprintf("id %s", id), nil)
}
