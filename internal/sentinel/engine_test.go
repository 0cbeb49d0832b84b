package sentinel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock shared with the engine via WithNow.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// captureHandler collects dispatched activities. Assertions run after
// Engine.Close, which drains the dispatch queue.
type captureHandler struct {
	mu  sync.Mutex
	got []*SuspiciousActivity
}

func (h *captureHandler) Name() string { return "capture" }

func (h *captureHandler) Handle(_ context.Context, a *SuspiciousActivity) error {
	h.mu.Lock()
	h.got = append(h.got, a)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) activities() []*SuspiciousActivity {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*SuspiciousActivity, len(h.got))
	copy(out, h.got)
	return out
}

func testEngineConfig() Config {
	cfg := DefaultConfig()
	// A long sweep interval keeps the background sweeper from firing
	// mid-test; eviction is exercised explicitly via Sweep.
	cfg.SweepInterval = time.Hour
	return cfg
}

func newTestEngine(t *testing.T, clock *fakeClock, mutate ...func(*Config)) *Engine {
	t.Helper()

	cfg := testEngineConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	e, err := New(cfg,
		WithNow(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func authReq(ip, user string) RequestInfo {
	return RequestInfo{SourceIP: ip, UserID: user, Endpoint: "/login", Method: "POST"}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.MaxFailedAttempts = 0 },
		func(c *Config) { c.TimeWindow = 0 },
		func(c *Config) { c.MaxOrdersPerUser = -1 },
		func(c *Config) { c.MaxRequestsPerIP = 0 },
		func(c *Config) { c.IPCoolingPeriod = 0 },
		func(c *Config) { c.UserCoolingPeriod = 0 },
		func(c *Config) { c.SweepInterval = 0 },
	} {
		cfg := testEngineConfig()
		mutate(&cfg)
		_, err := New(cfg)
		assert.Error(t, err)
	}
}

func TestFailedAuthentication_BlocksIPAtThreshold(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	for i := 0; i < 4; i++ {
		e.RecordFailedAuthentication(authReq("203.0.113.7", ""), nil)
		assert.False(t, e.IsBlocked(DimensionIP, "203.0.113.7"), "attempt %d must not block", i+1)
	}

	rec := e.RecordFailedAuthentication(authReq("203.0.113.7", ""), nil)
	assert.Equal(t, 5, rec.Count)
	assert.True(t, e.IsBlocked(DimensionIP, "203.0.113.7"))

	// An unrelated address is unaffected.
	assert.False(t, e.IsBlocked(DimensionIP, "198.51.100.1"))
}

func TestFailedAuthentication_LocksUserAcrossAddresses(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	for i := 0; i < 5; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i+1)
		e.RecordFailedAuthentication(authReq(ip, "mallory"), nil)
	}

	assert.True(t, e.IsBlocked(DimensionUser, "mallory"))
	// Each address only saw one failure.
	for i := 0; i < 5; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i+1)
		assert.False(t, e.IsBlocked(DimensionIP, ip))
	}
}

func TestIsBlocked_CoolingPeriodExpiry(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	for i := 0; i < 5; i++ {
		e.RecordFailedAuthentication(authReq("203.0.113.7", "mallory"), nil)
	}
	require.True(t, e.IsBlocked(DimensionIP, "203.0.113.7"))
	require.True(t, e.IsBlocked(DimensionUser, "mallory"))

	// IP cooling is 5m, user cooling 10m: after 5m quiet only the user
	// lock remains.
	clock.Advance(5 * time.Minute)
	assert.False(t, e.IsBlocked(DimensionIP, "203.0.113.7"))
	assert.True(t, e.IsBlocked(DimensionUser, "mallory"))

	clock.Advance(5 * time.Minute)
	assert.False(t, e.IsBlocked(DimensionUser, "mallory"))
}

func TestIsBlocked_WindowExpiryUnblocksEarly(t *testing.T) {
	clock := newFakeClock()
	// A cooling period longer than the window: the window expiry must
	// unblock on its own.
	e := newTestEngine(t, clock, func(c *Config) {
		c.TimeWindow = 10 * time.Minute
		c.IPCoolingPeriod = time.Hour
	})

	for i := 0; i < 5; i++ {
		e.RecordFailedAuthentication(authReq("203.0.113.7", ""), nil)
	}
	require.True(t, e.IsBlocked(DimensionIP, "203.0.113.7"))

	clock.Advance(10 * time.Minute)
	assert.False(t, e.IsBlocked(DimensionIP, "203.0.113.7"))
}

func TestIsBlocked_FreshFailureExtendsCooling(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	for i := 0; i < 5; i++ {
		e.RecordFailedAuthentication(authReq("203.0.113.7", ""), nil)
	}

	// Another failure just before cooling would have expired restarts it.
	clock.Advance(4 * time.Minute)
	e.RecordFailedAuthentication(authReq("203.0.113.7", ""), nil)
	clock.Advance(4 * time.Minute)
	assert.True(t, e.IsBlocked(DimensionIP, "203.0.113.7"))

	clock.Advance(time.Minute)
	assert.False(t, e.IsBlocked(DimensionIP, "203.0.113.7"))
}

func TestIsBlocked_EmptyKeyNeverBlocked(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	assert.False(t, e.IsBlocked(DimensionIP, ""))
	assert.False(t, e.IsBlocked(DimensionUser, ""))
}

func TestReset_ClearsCounters(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	for i := 0; i < 5; i++ {
		e.RecordFailedAuthentication(authReq("203.0.113.7", "mallory"), nil)
	}
	require.True(t, e.IsBlocked(DimensionIP, "203.0.113.7"))
	require.True(t, e.IsBlocked(DimensionUser, "mallory"))

	e.ResetIPAttempts("203.0.113.7")
	assert.False(t, e.IsBlocked(DimensionIP, "203.0.113.7"))
	_, ok := e.Attempts(DimensionIP, "203.0.113.7")
	assert.False(t, ok)

	e.ResetUserAttempts("mallory")
	assert.False(t, e.IsBlocked(DimensionUser, "mallory"))

	// Resetting an absent key is a no-op.
	e.ResetIPAttempts("203.0.113.7")
}

func TestFailedAuthentication_ExpiredBurstRestartsWindow(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	for i := 0; i < 4; i++ {
		e.RecordFailedAuthentication(authReq("203.0.113.7", ""), nil)
	}

	// Past the window the stale burst no longer counts.
	clock.Advance(15 * time.Minute)
	rec := e.RecordFailedAuthentication(authReq("203.0.113.7", ""), nil)
	assert.Equal(t, 1, rec.Count)
	assert.False(t, e.IsBlocked(DimensionIP, "203.0.113.7"))
}

func TestUnauthorizedAccess_AlwaysDispatched(t *testing.T) {
	clock := newFakeClock()
	capture := &captureHandler{}

	cfg := testEngineConfig()
	e, err := New(cfg, WithNow(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	e.RegisterHandler(capture)

	e.RecordUnauthorizedAccess(RequestInfo{
		SourceIP: "203.0.113.7",
		UserID:   "mallory",
		Endpoint: "/api/v1/admin/security/reset-ip",
		Method:   "POST",
	}, map[string]any{"requiredRole": "admin"})

	e.Close() // drains the dispatch queue

	got := capture.activities()
	require.Len(t, got, 1)
	assert.Equal(t, ActivityPrivilegeEscalation, got[0].Type)
	assert.Equal(t, SeverityHigh, got[0].Severity)
	assert.Equal(t, "mallory", got[0].UserID)
	assert.Equal(t, StatusFlagged, got[0].Status)
	assert.NotEmpty(t, got[0].ID)
}

func TestDispatcher_OnlyHighSeverityDelivered(t *testing.T) {
	clock := newFakeClock()
	capture := &captureHandler{}

	cfg := testEngineConfig()
	e, err := New(cfg, WithNow(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	e.RegisterHandler(capture)

	// Five failures flag excessive_failed_attempts at medium (5 <= 10).
	for i := 0; i < 5; i++ {
		e.RecordFailedAuthentication(authReq("203.0.113.7", ""), nil)
	}
	// One privilege escalation is high.
	e.RecordUnauthorizedAccess(authReq("203.0.113.8", "mallory"), nil)

	e.Close()

	got := capture.activities()
	require.Len(t, got, 1)
	assert.Equal(t, ActivityPrivilegeEscalation, got[0].Type)
}

func TestDispatcher_HandlerPanicIsIsolated(t *testing.T) {
	clock := newFakeClock()
	capture := &captureHandler{}

	cfg := testEngineConfig()
	e, err := New(cfg, WithNow(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	e.RegisterHandler(panicHandler{})
	e.RegisterHandler(capture)

	e.RecordUnauthorizedAccess(authReq("203.0.113.7", "mallory"), nil)
	e.Close()

	assert.Len(t, capture.activities(), 1, "panic in one handler must not starve the others")
}

type panicHandler struct{}

func (panicHandler) Name() string { return "panic" }

func (panicHandler) Handle(context.Context, *SuspiciousActivity) error {
	panic("boom")
}

func TestSuspiciousOrder_FlagsFrequencyAbuse(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	req := RequestInfo{SourceIP: "203.0.113.7", UserID: "buyer-1", Endpoint: "/orders", Method: "POST"}
	for i := 0; i < 10; i++ {
		e.RecordSuspiciousOrder(req, nil)
	}
	report := e.Report(RangeHour)
	assert.Equal(t, 0, report.Summary.TotalSuspiciousActivities, "at the limit is not abuse")

	e.RecordSuspiciousOrder(req, nil)
	report = e.Report(RangeHour)
	require.Equal(t, 1, report.Summary.TotalSuspiciousActivities)
	assert.Equal(t, 1, report.Breakdown.ActivitiesBySeverity[SeverityMedium])
}

func TestSuspiciousOrder_AnonymousNotCounted(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	req := RequestInfo{SourceIP: "203.0.113.7", Endpoint: "/orders", Method: "POST"}
	for i := 0; i < 15; i++ {
		e.RecordSuspiciousOrder(req, nil)
	}
	report := e.Report(RangeHour)
	assert.Equal(t, 0, report.Breakdown.ActivitiesBySeverity[SeverityMedium])
}

func TestAnalyzer_RapidRequests(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, func(c *Config) { c.MaxRequestsPerIP = 5 })

	req := RequestInfo{SourceIP: "203.0.113.7", Endpoint: "/api", Method: "GET"}
	for i := 0; i < 5; i++ {
		e.RecordEvent(EventFailedAuthentication, req, nil)
	}
	report := e.Report(RangeHour)
	assert.Equal(t, 0, report.Summary.TotalSuspiciousActivities)

	e.RecordEvent(EventFailedAuthentication, req, nil)
	report = e.Report(RangeHour)
	assert.Equal(t, 1, report.Summary.TotalSuspiciousActivities)
}

func TestAnalyzer_EndpointScanning(t *testing.T) {
	clock := newFakeClock()
	capture := &captureHandler{}

	cfg := testEngineConfig()
	cfg.MaxRequestsPerIP = 100 // keep rapid_requests out of the way
	e, err := New(cfg, WithNow(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	e.RegisterHandler(capture)

	for i := 0; i < 11; i++ {
		e.RecordEvent(EventUnauthorizedAccess, RequestInfo{
			SourceIP: "203.0.113.7",
			Endpoint: fmt.Sprintf("/api/v1/resource/%d", i),
			Method:   "GET",
		}, nil)
	}

	report := e.Report(RangeHour)
	assert.GreaterOrEqual(t, report.Summary.TotalSuspiciousActivities, 1)

	found := false
	for i := len(report.RecentAlerts) - 1; i >= 0; i-- {
		if report.RecentAlerts[i].Type == ActivityEndpointScanning {
			found = true
		}
	}
	// 11 endpoints scores medium (11 <= 20), so it is not in RecentAlerts.
	assert.False(t, found)
	assert.GreaterOrEqual(t, report.Breakdown.ActivitiesBySeverity[SeverityMedium], 1)

	e.Close()
}

func TestAnalyzer_BurstTripsBothHeuristics(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()

	cfg := testEngineConfig() // default MaxRequestsPerIP of 20
	e, err := New(cfg,
		WithNow(clock.Now),
		WithStore(store),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer e.Close()

	// One address hammers 11 distinct endpoints with 21 requests inside the
	// analyzer window: enough volume for the rate flag and enough breadth
	// for the scanning flag.
	for i := 0; i < 21; i++ {
		e.RecordEvent(EventUnauthorizedAccess, RequestInfo{
			SourceIP: "203.0.113.7",
			Endpoint: fmt.Sprintf("/api/v1/items/%d", i%11),
			Method:   "GET",
		}, nil)
	}

	// Persistence is asynchronous; poll until both types appear.
	deadline := time.Now().Add(2 * time.Second)
	for {
		alerts, err := store.ListRecentAlerts(context.Background(), 100)
		require.NoError(t, err)

		seen := map[ActivityType]bool{}
		for _, a := range alerts {
			seen[a.Type] = true
		}
		if seen[ActivityRapidRequests] && seen[ActivityEndpointScanning] {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected both rapid_requests and endpoint_scanning, saw %v", seen)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentFailures_NoLostIncrements(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, func(c *Config) {
		c.MaxFailedAttempts = 1000 // avoid flag noise
	})

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			e.RecordFailedAuthentication(authReq("203.0.113.7", "mallory"), nil)
		}()
	}
	wg.Wait()

	ipRec, ok := e.Attempts(DimensionIP, "203.0.113.7")
	require.True(t, ok)
	assert.Equal(t, n, ipRec.Count)

	userRec, ok := e.Attempts(DimensionUser, "mallory")
	require.True(t, ok)
	assert.Equal(t, n, userRec.Count)
}

func TestSweep_EvictsExpiredState(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	for i := 0; i < 5; i++ {
		e.RecordFailedAuthentication(authReq("203.0.113.7", "mallory"), nil)
	}
	e.RecordUnauthorizedAccess(authReq("203.0.113.8", "eve"), nil)

	stats := e.Stats()
	require.Greater(t, stats.Events, 0)
	require.Greater(t, stats.Activities, 0)
	require.Greater(t, stats.IPRecords, 0)

	clock.Advance(16 * time.Minute)
	e.Sweep()

	stats = e.Stats()
	assert.Equal(t, 0, stats.Events)
	assert.Equal(t, 0, stats.Activities)
	assert.Equal(t, 0, stats.IPRecords)
	assert.Equal(t, 0, stats.UserRecords)
}

func TestSweep_KeepsFreshState(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	e.RecordFailedAuthentication(authReq("203.0.113.7", ""), nil)
	clock.Advance(14 * time.Minute)
	e.RecordFailedAuthentication(authReq("203.0.113.9", ""), nil)

	clock.Advance(2 * time.Minute)
	e.Sweep()

	stats := e.Stats()
	assert.Equal(t, 1, stats.Events, "only the expired event is evicted")
	assert.Equal(t, 1, stats.IPRecords)
}

func TestStore_PersistsFlaggedActivities(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()

	cfg := testEngineConfig()
	e, err := New(cfg,
		WithNow(clock.Now),
		WithStore(store),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer e.Close()

	e.RecordUnauthorizedAccess(authReq("203.0.113.7", "mallory"), nil)

	// Persistence is asynchronous; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		alerts, err := store.ListRecentAlerts(context.Background(), 10)
		require.NoError(t, err)
		if len(alerts) == 1 {
			assert.Equal(t, ActivityPrivilegeEscalation, alerts[0].Type)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("alert was never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
