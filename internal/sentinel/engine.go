package sentinel

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/perimeter/internal/idgen"
	"github.com/mbd888/perimeter/internal/metrics"
)

// endpointScanBreadth is the distinct-endpoint count in the analyzer window
// above which endpoint scanning is flagged.
const endpointScanBreadth = 10

// alertQueueSize bounds the dispatcher queue.
const alertQueueSize = 256

// Engine owns all abuse-detection state: the event store, the per-dimension
// attempt registries, and the flagged-activity collection. Construct one per
// process and inject it into request handlers; all methods are safe for
// concurrent use.
type Engine struct {
	cfg        Config
	classifier ClassifierConfig
	logger     *slog.Logger
	now        func() time.Time

	events       *eventLog
	ipAttempts   *attemptRegistry
	userAttempts *attemptRegistry
	activities   *activityLog
	dispatcher   *dispatcher
	store        Store

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStore sets the alert audit store. Flagged activities are persisted
// asynchronously, best-effort.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithNow overrides the engine clock. Used by tests to simulate the passage
// of time against the window and cooling-period rules.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine and starts its dispatcher worker and retention
// sweeper. Returns an error when cfg fails validation. Callers must Close
// the engine to stop the background goroutines.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		classifier:   cfg.Classifier.withDefaults(),
		logger:       slog.Default(),
		now:          time.Now,
		events:       newEventLog(cfg.TimeWindow),
		ipAttempts:   newAttemptRegistry(cfg.TimeWindow),
		userAttempts: newAttemptRegistry(cfg.TimeWindow),
		activities:   &activityLog{},
		sweepStop:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = newDispatcher(alertQueueSize, e.logger)
	go e.sweepLoop()
	return e, nil
}

// Close stops the retention sweeper and the dispatcher worker. Queued alerts
// are drained before Close returns.
func (e *Engine) Close() {
	close(e.sweepStop)
	<-e.sweepDone
	e.dispatcher.close()
}

// RegisterHandler adds an alert handler. Handlers receive only high-severity
// activities, on the dispatcher goroutine.
func (e *Engine) RegisterHandler(h Handler) {
	e.dispatcher.register(h)
}

// -------------------------------------------------------------------------
// Recorders: the only mutation surface
// -------------------------------------------------------------------------

// RecordEvent appends a security event and synchronously runs the suspicion
// analyzer, so blocking decisions always reflect the latest event.
func (e *Engine) RecordEvent(typ EventType, req RequestInfo, details map[string]any) {
	e.record(typ, req, details)
}

// record appends the event and returns it after analysis.
func (e *Engine) record(typ EventType, req RequestInfo, details map[string]any) *SecurityEvent {
	ev := &SecurityEvent{
		Timestamp: e.now(),
		Type:      typ,
		SourceIP:  req.SourceIP,
		UserID:    req.UserID,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Details:   details,
	}
	ipCount, uniqueEndpoints := e.events.append(ev)
	metrics.SecurityEventsTotal.WithLabelValues(string(typ)).Inc()
	e.analyze(ev, ipCount, uniqueEndpoints)
	return ev
}

// RecordFailedAuthentication records an authentication failure, increments
// the IP and (when known) user attempt counters, and flags excessive failed
// attempts once either counter crosses the configured threshold. Returns the
// updated IP record so callers can inspect the crossing immediately.
func (e *Engine) RecordFailedAuthentication(req RequestInfo, details map[string]any) AttemptRecord {
	e.record(EventFailedAuthentication, req, details)

	now := e.now()
	ipRec := e.ipAttempts.recordFailure(req.SourceIP, now)
	var userCount int
	if req.UserID != "" {
		userRec := e.userAttempts.recordFailure(req.UserID, now)
		userCount = userRec.Count
	}

	if ipRec.Count >= e.cfg.MaxFailedAttempts || userCount >= e.cfg.MaxFailedAttempts {
		e.flag(ActivityExcessiveFailedAttempts, req, map[string]any{
			"ipAttempts":   ipRec.Count,
			"userAttempts": userCount,
		})
	}
	return ipRec
}

// RecordUnauthorizedAccess records an ownership or role violation. Every
// occurrence is flagged as a privilege escalation attempt.
func (e *Engine) RecordUnauthorizedAccess(req RequestInfo, details map[string]any) {
	e.record(EventUnauthorizedAccess, req, details)
	e.flag(ActivityPrivilegeEscalation, req, details)
}

// RecordSuspiciousOrder records an order creation and flags order frequency
// abuse once the user's order count in the time window exceeds the limit.
func (e *Engine) RecordSuspiciousOrder(req RequestInfo, details map[string]any) {
	e.record(EventSuspiciousOrder, req, details)

	if req.UserID == "" {
		return
	}
	count := e.events.recentOrderCount(req.UserID, e.now())
	if count > e.cfg.MaxOrdersPerUser {
		e.flag(ActivityOrderFrequencyAbuse, req, map[string]any{
			"recentOrderCount": count,
		})
	}
}

// analyze runs the rate and breadth heuristics over the event's source
// address using the counts computed during the append.
func (e *Engine) analyze(ev *SecurityEvent, ipCount, uniqueEndpoints int) {
	req := RequestInfo{SourceIP: ev.SourceIP, UserID: ev.UserID, Endpoint: ev.Endpoint, Method: ev.Method}

	if ipCount > e.cfg.MaxRequestsPerIP {
		e.flag(ActivityRapidRequests, req, map[string]any{
			"requestCount": ipCount,
		})
	}
	if uniqueEndpoints > endpointScanBreadth {
		e.flag(ActivityEndpointScanning, req, map[string]any{
			"uniqueEndpoints": uniqueEndpoints,
		})
	}
}

// flag creates a severity-scored activity, retains it, persists it
// best-effort, and hands high-severity ones to the dispatcher.
func (e *Engine) flag(typ ActivityType, req RequestInfo, details map[string]any) {
	severity := Classify(e.classifier, typ, details)
	activity := &SuspiciousActivity{
		ID:        idgen.WithPrefix("act_"),
		Timestamp: e.now(),
		Type:      typ,
		SourceIP:  req.SourceIP,
		UserID:    req.UserID,
		Severity:  severity,
		Details:   details,
		Status:    StatusFlagged,
	}
	e.activities.append(activity)
	metrics.SuspiciousActivitiesTotal.WithLabelValues(string(typ), string(severity)).Inc()

	if e.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.store.RecordAlert(ctx, activity); err != nil {
				e.logger.Warn("alert audit write failed", "activity_type", typ, "error", err)
			}
		}()
	}

	if severity == SeverityHigh {
		e.dispatcher.enqueue(activity)
	}
}

// -------------------------------------------------------------------------
// Blocking decisions
// -------------------------------------------------------------------------

// IsBlocked reports whether key in the given dimension is currently blocked.
// True iff the failure count reached the threshold, the burst is still inside
// the time window, and the cooling period since the last failure has not yet
// elapsed. The two time conditions are independent: either alone changes the
// observable lockout duration.
func (e *Engine) IsBlocked(dim Dimension, key string) bool {
	if key == "" {
		return false
	}
	now := e.now()
	rec, ok := e.registry(dim).get(key, now)
	if !ok {
		return false
	}
	if rec.Count < e.cfg.MaxFailedAttempts {
		return false
	}
	if now.Sub(rec.FirstAttempt) >= e.cfg.TimeWindow {
		return false
	}
	if now.Sub(rec.LastAttempt) >= e.coolingPeriod(dim) {
		return false
	}
	return true
}

// ResetIPAttempts clears the failure counter for an address. Idempotent.
func (e *Engine) ResetIPAttempts(ip string) {
	e.ipAttempts.reset(ip)
}

// ResetUserAttempts clears the failure counter for a user. Idempotent.
func (e *Engine) ResetUserAttempts(userID string) {
	e.userAttempts.reset(userID)
}

// Attempts returns a snapshot of the attempt record for key, if present.
func (e *Engine) Attempts(dim Dimension, key string) (AttemptRecord, bool) {
	return e.registry(dim).get(key, e.now())
}

func (e *Engine) registry(dim Dimension) *attemptRegistry {
	if dim == DimensionUser {
		return e.userAttempts
	}
	return e.ipAttempts
}

func (e *Engine) coolingPeriod(dim Dimension) time.Duration {
	if dim == DimensionUser {
		return e.cfg.UserCoolingPeriod
	}
	return e.cfg.IPCoolingPeriod
}

// -------------------------------------------------------------------------
// Introspection
// -------------------------------------------------------------------------

// Stats summarizes current store sizes for health checks and debugging.
type Stats struct {
	Events          int `json:"events"`
	Activities      int `json:"activities"`
	IPRecords       int `json:"ipRecords"`
	UserRecords     int `json:"userRecords"`
	AlertQueueDepth int `json:"alertQueueDepth"`
}

// Stats returns current store sizes.
func (e *Engine) Stats() Stats {
	return Stats{
		Events:          e.events.size(),
		Activities:      e.activities.size(),
		IPRecords:       e.ipAttempts.size(),
		UserRecords:     e.userAttempts.size(),
		AlertQueueDepth: e.dispatcher.queueDepth(),
	}
}
