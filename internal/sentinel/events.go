package sentinel

import (
	"sync"
	"time"
)

const (
	// analyzerWindow is the trailing lookback the suspicion heuristics use.
	analyzerWindow = 60 * time.Second

	// maxRetainedEvents caps the append-only log between sweeper passes.
	maxRetainedEvents = 100_000

	// maxWindowEntries caps each per-key index window.
	maxWindowEntries = 1024
)

// windowEntry records one event inside a per-key sliding window.
type windowEntry struct {
	at       time.Time
	endpoint string
}

// eventLog is the append-only, bounded-retention store of security events.
// Alongside the ordered log it maintains two range indexes so the analyzer
// and the order-frequency check never scan the full log on the request path:
// per-IP entries in the trailing analyzer window and per-user order
// timestamps in the configured time window.
type eventLog struct {
	mu     sync.RWMutex
	events []*SecurityEvent

	byIP         map[string][]windowEntry // trailing analyzerWindow, pruned on touch
	ordersByUser map[string][]time.Time   // trailing orderWindow, pruned on touch
	orderWindow  time.Duration
}

func newEventLog(orderWindow time.Duration) *eventLog {
	return &eventLog{
		byIP:         make(map[string][]windowEntry),
		ordersByUser: make(map[string][]time.Time),
		orderWindow:  orderWindow,
	}
}

// append stores the event and updates the range indexes, returning the
// per-IP request count and distinct endpoint count inside the analyzer
// window so the caller can run the suspicion heuristics without re-locking.
func (l *eventLog) append(ev *SecurityEvent) (ipCount, uniqueEndpoints int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
	if len(l.events) > maxRetainedEvents {
		l.events = l.events[len(l.events)-maxRetainedEvents:]
	}

	entries := pruneWindow(l.byIP[ev.SourceIP], ev.Timestamp.Add(-analyzerWindow))
	entries = append(entries, windowEntry{at: ev.Timestamp, endpoint: ev.Endpoint})
	if len(entries) > maxWindowEntries {
		entries = entries[len(entries)-maxWindowEntries:]
	}
	l.byIP[ev.SourceIP] = entries

	if ev.Type == EventSuspiciousOrder && ev.UserID != "" {
		orders := pruneTimes(l.ordersByUser[ev.UserID], ev.Timestamp.Add(-l.orderWindow))
		orders = append(orders, ev.Timestamp)
		if len(orders) > maxWindowEntries {
			orders = orders[len(orders)-maxWindowEntries:]
		}
		l.ordersByUser[ev.UserID] = orders
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.endpoint] = struct{}{}
	}
	return len(entries), len(seen)
}

// recentOrderCount returns the user's order count within the order window.
func (l *eventLog) recentOrderCount(userID string, now time.Time) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := now.Add(-l.orderWindow)
	n := 0
	for _, at := range l.ordersByUser[userID] {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

// snapshot returns the retained events with timestamps in [since, now).
func (l *eventLog) snapshot(since time.Time) []*SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Events are append-ordered; find the first one inside the range.
	start := len(l.events)
	for i, ev := range l.events {
		if !ev.Timestamp.Before(since) {
			start = i
			break
		}
	}
	out := make([]*SecurityEvent, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// sweep evicts events and index entries older than cutoff and returns the
// number of evicted events. Completes in time proportional to store size.
func (l *eventLog) sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	for start < len(l.events) && l.events[start].Timestamp.Before(cutoff) {
		start++
	}
	evicted := start
	if start > 0 {
		l.events = append([]*SecurityEvent(nil), l.events[start:]...)
	}

	for ip, entries := range l.byIP {
		kept := pruneWindow(entries, cutoff)
		if len(kept) == 0 {
			delete(l.byIP, ip)
		} else {
			l.byIP[ip] = kept
		}
	}
	for user, orders := range l.ordersByUser {
		kept := pruneTimes(orders, cutoff)
		if len(kept) == 0 {
			delete(l.ordersByUser, user)
		} else {
			l.ordersByUser[user] = kept
		}
	}
	return evicted
}

// size returns the number of retained events.
func (l *eventLog) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func pruneWindow(entries []windowEntry, cutoff time.Time) []windowEntry {
	start := 0
	for start < len(entries) && !entries[start].at.After(cutoff) {
		start++
	}
	return entries[start:]
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	start := 0
	for start < len(times) && !times[start].After(cutoff) {
		start++
	}
	return times[start:]
}
