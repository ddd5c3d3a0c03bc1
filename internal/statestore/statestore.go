// Package statestore is the engine's durable State Store (spec.md §4.E):
// an embedded key/value database holding IssueRecords, WorkerSlots, Locks,
// Counters, and the most recent PendingCommand tail. All mutations are
// expected to originate from the Scheduler's single control fiber (see
// internal/scheduler); the Store itself only enforces that each commit is
// atomic and that external readers get a copy-on-read snapshot, never a
// partially-written record.
//
// Grounded on cuemby-warren's pkg/storage.BoltStore: one bucket per record
// kind, JSON-marshaled values keyed by id, Update/View transactions for the
// atomic commit/snapshot semantics bbolt already provides for free.
package statestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/conductorhq/conductor/internal/model"
)

var (
	bucketIssues   = []byte("issues")
	bucketSlots    = []byte("slots")
	bucketLocks    = []byte("locks")
	bucketCounters = []byte("counters")
	bucketCommands = []byte("commands")
)

const countersKey = "singleton"

// MaxCommandHistory bounds the persisted PendingCommand tail, mirroring the
// Control Server's 100-entry audit history (spec.md §4.F).
const MaxCommandHistory = 100

// Store is the durable, single-writer key/value database backing the
// engine's lifecycle state.
type Store struct {
	db      *bolt.DB
	version atomic.Uint64
}

// Open opens (creating if necessary) a bbolt database at path and ensures
// all required buckets exist. If the database cannot be opened, the caller
// is expected to refuse to start rather than reinitialize silently, per
// spec.md §4.E ("if load fails the engine refuses to start").
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIssues, bucketSlots, bucketLocks, bucketCounters, bucketCommands} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the current state_version counter, incremented once per
// commit, for subscribers to detect missed updates.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

func (s *Store) bumpVersion() {
	s.version.Add(1)
}

// PutIssue upserts an IssueRecord.
func (s *Store) PutIssue(rec model.IssueRecord) error {
	return s.put(bucketIssues, rec.Issue.ID, rec)
}

// GetIssue fetches an IssueRecord by issue id.
func (s *Store) GetIssue(id string) (model.IssueRecord, bool, error) {
	var rec model.IssueRecord
	ok, err := s.get(bucketIssues, id, &rec)
	return rec, ok, err
}

// DeleteIssue removes an IssueRecord, used only on tracker-side deletion
// per spec.md §3's IssueRecord lifecycle.
func (s *Store) DeleteIssue(id string) error {
	return s.delete(bucketIssues, id)
}

// ListIssues returns every IssueRecord, sorted by id for deterministic
// iteration order in tests and snapshots.
func (s *Store) ListIssues() ([]model.IssueRecord, error) {
	var out []model.IssueRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssues)
		return b.ForEach(func(k, v []byte) error {
			var rec model.IssueRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode issue %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issue.ID < out[j].Issue.ID })
	return out, nil
}

// PutSlot upserts a WorkerSlot.
func (s *Store) PutSlot(slot model.WorkerSlot) error {
	return s.put(bucketSlots, slotKey(slot.ID), slot)
}

// GetSlot fetches a WorkerSlot by id.
func (s *Store) GetSlot(id int) (model.WorkerSlot, bool, error) {
	var slot model.WorkerSlot
	ok, err := s.get(bucketSlots, slotKey(id), &slot)
	return slot, ok, err
}

// ListSlots returns every WorkerSlot, sorted by id.
func (s *Store) ListSlots() ([]model.WorkerSlot, error) {
	var out []model.WorkerSlot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlots)
		return b.ForEach(func(k, v []byte) error {
			var slot model.WorkerSlot
			if err := json.Unmarshal(v, &slot); err != nil {
				return fmt.Errorf("decode slot %s: %w", k, err)
			}
			out = append(out, slot)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutLock acquires/records a Lock.
func (s *Store) PutLock(lock model.Lock) error {
	return s.put(bucketLocks, lock.Resource, lock)
}

// DeleteLock releases a Lock by resource name.
func (s *Store) DeleteLock(resource string) error {
	return s.delete(bucketLocks, resource)
}

// ListLocks returns every current Lock.
func (s *Store) ListLocks() ([]model.Lock, error) {
	var out []model.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		return b.ForEach(func(k, v []byte) error {
			var lock model.Lock
			if err := json.Unmarshal(v, &lock); err != nil {
				return fmt.Errorf("decode lock %s: %w", k, err)
			}
			out = append(out, lock)
			return nil
		})
	})
	return out, err
}

// GetCounters returns the durable running totals, zero-valued if never set.
func (s *Store) GetCounters() (model.Counters, error) {
	var c model.Counters
	_, err := s.get(bucketCounters, countersKey, &c)
	return c, err
}

// PutCounters persists the running totals.
func (s *Store) PutCounters(c model.Counters) error {
	return s.put(bucketCounters, countersKey, c)
}

// AppendPendingCommand records a control command in the durable tail,
// trimming the oldest entries beyond MaxCommandHistory.
func (s *Store) AppendPendingCommand(cmd model.PendingCommand) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		data, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(cmd.ID), data); err != nil {
			return err
		}
		return trimCommandHistory(b)
	})
	if err != nil {
		return fmt.Errorf("statestore: append command: %w", err)
	}
	s.bumpVersion()
	return nil
}

// ClearPendingCommand removes a command from the tail once applied.
func (s *Store) ClearPendingCommand(id string) error {
	return s.delete(bucketCommands, id)
}

// ListPendingCommands returns the durable command tail, oldest first.
func (s *Store) ListPendingCommands() ([]model.PendingCommand, error) {
	var out []model.PendingCommand
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		return b.ForEach(func(k, v []byte) error {
			var cmd model.PendingCommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				return fmt.Errorf("decode command %s: %w", k, err)
			}
			out = append(out, cmd)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func trimCommandHistory(b *bolt.Bucket) error {
	type entry struct {
		key []byte
		ts  time.Time
	}
	var entries []entry
	err := b.ForEach(func(k, v []byte) error {
		var cmd model.PendingCommand
		if err := json.Unmarshal(v, &cmd); err != nil {
			return err
		}
		entries = append(entries, entry{key: append([]byte(nil), k...), ts: cmd.EnqueuedAt})
		return nil
	})
	if err != nil {
		return err
	}
	if len(entries) <= MaxCommandHistory {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
	excess := len(entries) - MaxCommandHistory
	for i := 0; i < excess; i++ {
		if err := b.Delete(entries[i].key); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot is a copy-on-read clone of the entire engine state, handed to
// external readers (Control Server, Dashboard Gateway) so they never
// observe a record mid-write.
type Snapshot struct {
	Issues    []model.IssueRecord
	Slots     []model.WorkerSlot
	Locks     []model.Lock
	Counters  model.Counters
	Commands  []model.PendingCommand
	Version   uint64
}

// Snapshot reads every bucket inside a single bbolt view transaction so the
// result is internally consistent, then clones each record.
func (s *Store) Snapshot() (Snapshot, error) {
	snap := Snapshot{Version: s.Version()}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := decodeAll(tx.Bucket(bucketIssues), &snap.Issues); err != nil {
			return err
		}
		if err := decodeAll(tx.Bucket(bucketSlots), &snap.Slots); err != nil {
			return err
		}
		if err := decodeAll(tx.Bucket(bucketLocks), &snap.Locks); err != nil {
			return err
		}
		if err := decodeAll(tx.Bucket(bucketCommands), &snap.Commands); err != nil {
			return err
		}
		data := tx.Bucket(bucketCounters).Get([]byte(countersKey))
		if data != nil {
			return json.Unmarshal(data, &snap.Counters)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("statestore: snapshot: %w", err)
	}
	for i := range snap.Issues {
		snap.Issues[i] = snap.Issues[i].Clone()
	}
	sort.Slice(snap.Issues, func(i, j int) bool { return snap.Issues[i].Issue.ID < snap.Issues[j].Issue.ID })
	sort.Slice(snap.Slots, func(i, j int) bool { return snap.Slots[i].ID < snap.Slots[j].ID })
	return snap, nil
}

func decodeAll[T any](b *bolt.Bucket, out *[]T) error {
	return b.ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		*out = append(*out, item)
		return nil
	})
}

func (s *Store) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("statestore: marshal %s/%s: %w", bucket, key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("statestore: put %s/%s: %w", bucket, key, err)
	}
	s.bumpVersion()
	return nil
}

func (s *Store) get(bucket []byte, key string, out any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	if err != nil {
		return false, fmt.Errorf("statestore: get %s/%s: %w", bucket, key, err)
	}
	return found, nil
}

func (s *Store) delete(bucket []byte, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("statestore: delete %s/%s: %w", bucket, key, err)
	}
	s.bumpVersion()
	return nil
}

func slotKey(id int) string {
	return strconv.Itoa(id)
}
