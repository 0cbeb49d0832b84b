// Package webhooks delivers high-severity security alerts to external
// endpoints over HTTP.
//
// Operators register endpoint URLs with optional severity and activity-type
// filters. Deliveries are HMAC-signed, retried with backoff, and shielded by
// a per-subscription circuit breaker so one dead endpoint cannot slow the
// rest.
package webhooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/perimeter/internal/sentinel"
)

// Subscription is a registered alert delivery endpoint.
type Subscription struct {
	ID            string                  `json:"id"`
	URL           string                  `json:"url"`
	Secret        string                  `json:"-"` // Used for HMAC signing
	Severities    []sentinel.Severity     `json:"severities,omitempty"`    // Empty = all
	ActivityTypes []sentinel.ActivityType `json:"activityTypes,omitempty"` // Empty = all
	Active        bool                    `json:"active"`
	CreatedAt     time.Time               `json:"createdAt"`
	LastSuccess   *time.Time              `json:"lastSuccess,omitempty"`
	LastError     string                  `json:"lastError,omitempty"`
}

// matches reports whether the subscription wants this activity.
func (s *Subscription) matches(a *sentinel.SuspiciousActivity) bool {
	if !s.Active {
		return false
	}
	if len(s.Severities) > 0 {
		found := false
		for _, sev := range s.Severities {
			if sev == a.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.ActivityTypes) > 0 {
		found := false
		for _, typ := range s.ActivityTypes {
			if typ == a.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory implementation for single-node deployments
// and testing.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, sub)
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
