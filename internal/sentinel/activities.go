package sentinel

import (
	"sync"
	"time"
)

// maxRetainedActivities caps the flagged-activity collection between sweeps.
const maxRetainedActivities = 10_000

// activityLog is the bounded-retention collection of flagged activities.
type activityLog struct {
	mu    sync.RWMutex
	items []*SuspiciousActivity
}

func (l *activityLog) append(a *SuspiciousActivity) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = append(l.items, a)
	if len(l.items) > maxRetainedActivities {
		l.items = l.items[len(l.items)-maxRetainedActivities:]
	}
}

// snapshot returns retained activities with timestamps in [since, now).
func (l *activityLog) snapshot(since time.Time) []*SuspiciousActivity {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.items)
	for i, a := range l.items {
		if !a.Timestamp.Before(since) {
			start = i
			break
		}
	}
	out := make([]*SuspiciousActivity, len(l.items)-start)
	copy(out, l.items[start:])
	return out
}

// sweep evicts activities older than cutoff and returns the number evicted.
func (l *activityLog) sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	for start < len(l.items) && l.items[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		l.items = append([]*SuspiciousActivity(nil), l.items[start:]...)
	}
	return start
}

func (l *activityLog) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}
