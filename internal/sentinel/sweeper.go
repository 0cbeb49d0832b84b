package sentinel

import (
	"time"

	"github.com/mbd888/perimeter/internal/metrics"
)

// sweepLoop runs the retention sweeper until Close.
func (e *Engine) sweepLoop() {
	defer close(e.sweepDone)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-e.sweepStop:
			return
		}
	}
}

// Sweep evicts events, attempt records, and activities older than the time
// window. It takes the same locks as the request-path mutators and completes
// in time proportional to store size. Exposed for tests and manual eviction.
func (e *Engine) Sweep() {
	cutoff := e.now().Add(-e.cfg.TimeWindow)

	events := e.events.sweep(cutoff)
	activities := e.activities.sweep(cutoff)
	ips := e.ipAttempts.sweep(cutoff)
	users := e.userAttempts.sweep(cutoff)

	metrics.SweepEvictionsTotal.WithLabelValues("events").Add(float64(events))
	metrics.SweepEvictionsTotal.WithLabelValues("activities").Add(float64(activities))
	metrics.SweepEvictionsTotal.WithLabelValues("ip_attempts").Add(float64(ips))
	metrics.SweepEvictionsTotal.WithLabelValues("user_attempts").Add(float64(users))
	metrics.AttemptRecords.WithLabelValues(string(DimensionIP)).Set(float64(e.ipAttempts.size()))
	metrics.AttemptRecords.WithLabelValues(string(DimensionUser)).Set(float64(e.userAttempts.size()))

	if events+activities+ips+users > 0 {
		e.logger.Debug("retention sweep",
			"events", events, "activities", activities,
			"ip_records", ips, "user_records", users)
	}
}
