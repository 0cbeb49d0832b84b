package sentinel

import (
	"sync"
	"time"

	"github.com/mbd888/perimeter/internal/syncutil"
)

// attemptRegistry holds keyed failure counters for one tracking dimension.
// Records live in a sync.Map; all mutation and reads of a record are
// serialized through a sharded mutex keyed by the record key, so increments
// are never lost and reads never observe a half-written record.
type attemptRegistry struct {
	locks   syncutil.ShardedMutex
	records sync.Map // key → *AttemptRecord
	window  time.Duration
}

func newAttemptRegistry(window time.Duration) *attemptRegistry {
	return &attemptRegistry{window: window}
}

// recordFailure increments the counter for key, creating the record on first
// failure and restarting it when the previous record has logically expired.
// Returns a snapshot of the updated record so callers can evaluate threshold
// crossing immediately.
func (r *attemptRegistry) recordFailure(key string, now time.Time) AttemptRecord {
	unlock := r.locks.Lock(key)
	defer unlock()

	var rec *AttemptRecord
	if v, ok := r.records.Load(key); ok {
		rec = v.(*AttemptRecord)
		if now.Sub(rec.FirstAttempt) >= r.window {
			// Logically expired burst: a new failure starts a fresh window.
			rec.Count = 0
			rec.FirstAttempt = now
		}
	} else {
		rec = &AttemptRecord{Key: key, FirstAttempt: now}
		r.records.Store(key, rec)
	}

	rec.Count++
	rec.LastAttempt = now
	return *rec
}

// get returns a snapshot of the record for key, if present. Presence does not
// imply validity: callers must check FirstAttempt age against the window.
func (r *attemptRegistry) get(key string, _ time.Time) (AttemptRecord, bool) {
	unlock := r.locks.Lock(key)
	defer unlock()

	v, ok := r.records.Load(key)
	if !ok {
		return AttemptRecord{}, false
	}
	return *v.(*AttemptRecord), true
}

// reset deletes the record for key. Resetting an absent key is a no-op.
func (r *attemptRegistry) reset(key string) {
	unlock := r.locks.Lock(key)
	defer unlock()
	r.records.Delete(key)
}

// sweep evicts records whose first attempt is older than cutoff and returns
// the number evicted. Runs concurrently with recordFailure; each key is
// re-checked under its shard lock before deletion.
func (r *attemptRegistry) sweep(cutoff time.Time) int {
	evicted := 0
	r.records.Range(func(k, _ any) bool {
		key := k.(string)
		unlock := r.locks.Lock(key)
		if v, ok := r.records.Load(key); ok {
			if v.(*AttemptRecord).FirstAttempt.Before(cutoff) {
				r.records.Delete(key)
				evicted++
			}
		}
		unlock()
		return true
	})
	return evicted
}

// size returns the number of physically retained records.
func (r *attemptRegistry) size() int {
	n := 0
	r.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
