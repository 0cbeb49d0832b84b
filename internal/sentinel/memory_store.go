package sentinel

import (
	"context"
	"sync"
)

// maxMemoryAlerts caps the in-memory audit trail.
const maxMemoryAlerts = 10_000

// MemoryStore is an in-memory Store for single-node deployments and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts []*SuspiciousActivity
}

// NewMemoryStore creates an in-memory alert audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// RecordAlert implements Store.
func (s *MemoryStore) RecordAlert(_ context.Context, activity *SuspiciousActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *activity
	a.Details = copyDetails(activity.Details)
	s.alerts = append(s.alerts, &a)
	if len(s.alerts) > maxMemoryAlerts {
		s.alerts = s.alerts[len(s.alerts)-maxMemoryAlerts:]
	}
	return nil
}

// ListRecentAlerts implements Store. Most recent first.
func (s *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]*SuspiciousActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.alerts) == 0 {
		return nil, nil
	}
	start := len(s.alerts) - limit
	if start < 0 {
		start = 0
	}

	result := make([]*SuspiciousActivity, 0, len(s.alerts)-start)
	for i := len(s.alerts) - 1; i >= start; i-- {
		a := *s.alerts[i]
		a.Details = copyDetails(a.Details)
		result = append(result, &a)
	}
	return result, nil
}

func copyDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
