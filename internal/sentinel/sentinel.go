// Package sentinel implements real-time abuse detection and access control
// for the request path.
//
// Every security-relevant request outcome is recorded as a SecurityEvent and
// evaluated against per-IP and per-user sliding windows. Crossing a threshold
// flags a SuspiciousActivity, which is severity-scored and — when high —
// fanned out to registered alert handlers. Blocking decisions are O(1) reads
// over the attempt registries and sit on the hot path of every request.
package sentinel

import (
	"context"
	"fmt"
	"time"
)

// EventType identifies what kind of security event was recorded.
type EventType string

const (
	EventFailedAuthentication EventType = "failed_authentication"
	EventUnauthorizedAccess   EventType = "unauthorized_access"
	EventSuspiciousOrder      EventType = "suspicious_order"
	EventBlockedIPAccess      EventType = "blocked_ip_access"
	EventLockedUserAccess     EventType = "locked_user_access"
)

// ActivityType identifies the suspicion pattern behind a flagged activity.
type ActivityType string

const (
	ActivityExcessiveFailedAttempts ActivityType = "excessive_failed_attempts"
	ActivityPrivilegeEscalation     ActivityType = "privilege_escalation_attempt"
	ActivityOrderFrequencyAbuse     ActivityType = "order_frequency_abuse"
	ActivityRapidRequests           ActivityType = "rapid_requests"
	ActivityEndpointScanning        ActivityType = "endpoint_scanning"
)

// Severity is the three-level classification driving alert dispatch.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Dimension is a tracking axis for attempt counting. The two dimensions are
// independent namespaces with distinct cooling periods.
type Dimension string

const (
	DimensionIP   Dimension = "ip"
	DimensionUser Dimension = "user"
)

// StatusFlagged is the lifecycle status of a newly created activity.
const StatusFlagged = "flagged"

// SecurityEvent is an immutable record of a single security-relevant request
// outcome. Events exist only within the retention window.
type SecurityEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"eventType"`
	SourceIP  string         `json:"sourceIp"`
	UserID    string         `json:"userId,omitempty"`
	Endpoint  string         `json:"endpoint"`
	Method    string         `json:"method"`
	Details   map[string]any `json:"details,omitempty"`
}

// RequestInfo carries the request context attached to recorded events.
// Identity (UserID) is supplied by the caller; the engine never resolves it.
type RequestInfo struct {
	SourceIP string
	UserID   string
	Endpoint string
	Method   string
}

// AttemptRecord tracks recent failures for one key in one dimension.
// Count is monotonic between resets; a record is logically expired once
// now-FirstAttempt reaches the time window, even before physical eviction.
type AttemptRecord struct {
	Key          string    `json:"key"`
	Count        int       `json:"count"`
	FirstAttempt time.Time `json:"firstAttemptAt"`
	LastAttempt  time.Time `json:"lastAttemptAt"`
}

// SuspiciousActivity is a severity-scored suspicion flag produced by the
// analyzer/classifier pipeline. Immutable except for lifecycle status.
type SuspiciousActivity struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      ActivityType   `json:"activityType"`
	SourceIP  string         `json:"sourceIp"`
	UserID    string         `json:"userId,omitempty"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	Status    string         `json:"status"`
}

// Handler receives high-severity activities from the alert dispatcher.
// Handlers run off the request path; errors are logged, never propagated.
type Handler interface {
	Name() string
	Handle(ctx context.Context, activity *SuspiciousActivity) error
}

// Store persists flagged activities as a best-effort audit trail.
// Persistence is asynchronous and never blocks the request path; in-memory
// state remains authoritative for all decisions.
type Store interface {
	RecordAlert(ctx context.Context, activity *SuspiciousActivity) error
	ListRecentAlerts(ctx context.Context, limit int) ([]*SuspiciousActivity, error)
}

// Config holds the engine thresholds. All fields are required; Validate is
// called at construction and fails fast on anything non-positive.
type Config struct {
	// MaxFailedAttempts is the failure count that triggers blocking/flagging.
	MaxFailedAttempts int
	// TimeWindow is the sliding window for attempt counting and the
	// retention horizon for events, attempt records, and activities.
	TimeWindow time.Duration
	// MaxOrdersPerUser is the order count per user per window above which
	// order frequency abuse is flagged.
	MaxOrdersPerUser int
	// MaxRequestsPerIP is the per-IP request count in the trailing analyzer
	// window above which rapid_requests is flagged.
	MaxRequestsPerIP int
	// IPCoolingPeriod is the quiet period after the last failure before a
	// blocked IP auto-unblocks.
	IPCoolingPeriod time.Duration
	// UserCoolingPeriod is the quiet period before a locked user auto-unlocks.
	UserCoolingPeriod time.Duration
	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration
	// Classifier holds the severity cutoffs. Zero values fall back to
	// DefaultClassifierConfig.
	Classifier ClassifierConfig
}

// DefaultConfig returns production-leaning defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailedAttempts: 5,
		TimeWindow:        15 * time.Minute,
		MaxOrdersPerUser:  10,
		MaxRequestsPerIP:  20,
		IPCoolingPeriod:   5 * time.Minute,
		UserCoolingPeriod: 10 * time.Minute,
		SweepInterval:     time.Minute,
		Classifier:        DefaultClassifierConfig(),
	}
}

// Validate checks that every threshold is usable.
func (c Config) Validate() error {
	if c.MaxFailedAttempts <= 0 {
		return fmt.Errorf("sentinel: MaxFailedAttempts must be positive, got %d", c.MaxFailedAttempts)
	}
	if c.TimeWindow <= 0 {
		return fmt.Errorf("sentinel: TimeWindow must be positive, got %s", c.TimeWindow)
	}
	if c.MaxOrdersPerUser <= 0 {
		return fmt.Errorf("sentinel: MaxOrdersPerUser must be positive, got %d", c.MaxOrdersPerUser)
	}
	if c.MaxRequestsPerIP <= 0 {
		return fmt.Errorf("sentinel: MaxRequestsPerIP must be positive, got %d", c.MaxRequestsPerIP)
	}
	if c.IPCoolingPeriod <= 0 {
		return fmt.Errorf("sentinel: IPCoolingPeriod must be positive, got %s", c.IPCoolingPeriod)
	}
	if c.UserCoolingPeriod <= 0 {
		return fmt.Errorf("sentinel: UserCoolingPeriod must be positive, got %s", c.UserCoolingPeriod)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sentinel: SweepInterval must be positive, got %s", c.SweepInterval)
	}
	return nil
}
