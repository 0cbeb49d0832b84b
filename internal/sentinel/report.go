package sentinel

import (
	"fmt"
	"sort"
	"time"
)

// Range is a caller-specified historical reporting range.
type Range string

const (
	RangeHour Range = "hour"
	RangeDay  Range = "day"
	RangeWeek Range = "week"
)

// ParseRange validates a range string. An empty string defaults to hour.
func ParseRange(s string) (Range, error) {
	switch Range(s) {
	case RangeHour, RangeDay, RangeWeek:
		return Range(s), nil
	case "":
		return RangeHour, nil
	default:
		return "", fmt.Errorf("sentinel: invalid range %q (want hour, day, or week)", s)
	}
}

func (r Range) duration() time.Duration {
	switch r {
	case RangeDay:
		return 24 * time.Hour
	case RangeWeek:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Report aggregates retained security state over a historical range.
type Report struct {
	TimeRange    Range           `json:"timeRange"`
	Period       ReportPeriod    `json:"period"`
	Summary      ReportSummary   `json:"summary"`
	Breakdown    ReportBreakdown `json:"breakdown"`
	RecentAlerts []AlertSummary  `json:"recentAlerts"`
}

// ReportPeriod is the absolute interval the report covers.
type ReportPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ReportSummary holds the headline counts.
type ReportSummary struct {
	TotalEvents               int `json:"totalEvents"`
	TotalSuspiciousActivities int `json:"totalSuspiciousActivities"`
	UniqueIPs                 int `json:"uniqueIPs"`
	BlockedIPs                int `json:"blockedIPs"`
}

// ReportBreakdown holds the per-type and per-address distributions.
type ReportBreakdown struct {
	EventsByType         map[EventType]int `json:"eventsByType"`
	TopIPs               []IPCount         `json:"topIPs"`
	ActivitiesBySeverity map[Severity]int  `json:"activitiesBySeverity"`
}

// IPCount pairs a source address with its event count.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// AlertSummary is the trimmed view of a recent high-severity activity.
type AlertSummary struct {
	Type      ActivityType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	IP        string       `json:"ip"`
	Severity  Severity     `json:"severity"`
}

const (
	reportTopIPs       = 10
	reportRecentAlerts = 10
)

// Report computes aggregate statistics over the retained state for the given
// range. Read-only and side-effect-free; an empty store yields a zeroed
// summary. Data older than the retention window has already been evicted, so
// a range wider than the window reports only what is retained.
func (e *Engine) Report(rng Range) *Report {
	end := e.now()
	start := end.Add(-rng.duration())

	events := e.events.snapshot(start)
	activities := e.activities.snapshot(start)

	byType := make(map[EventType]int)
	byIP := make(map[string]int)
	for _, ev := range events {
		byType[ev.Type]++
		byIP[ev.SourceIP]++
	}

	blocked := 0
	for ip := range byIP {
		if e.IsBlocked(DimensionIP, ip) {
			blocked++
		}
	}

	topIPs := make([]IPCount, 0, len(byIP))
	for ip, count := range byIP {
		topIPs = append(topIPs, IPCount{IP: ip, Count: count})
	}
	sort.Slice(topIPs, func(i, j int) bool {
		if topIPs[i].Count != topIPs[j].Count {
			return topIPs[i].Count > topIPs[j].Count
		}
		return topIPs[i].IP < topIPs[j].IP
	})
	if len(topIPs) > reportTopIPs {
		topIPs = topIPs[:reportTopIPs]
	}

	bySeverity := make(map[Severity]int)
	recent := make([]AlertSummary, 0, reportRecentAlerts)
	for i := len(activities) - 1; i >= 0; i-- {
		a := activities[i]
		bySeverity[a.Severity]++
		if a.Severity == SeverityHigh && len(recent) < reportRecentAlerts {
			recent = append(recent, AlertSummary{
				Type:      a.Type,
				Timestamp: a.Timestamp,
				IP:        a.SourceIP,
				Severity:  a.Severity,
			})
		}
	}

	return &Report{
		TimeRange: rng,
		Period:    ReportPeriod{Start: start, End: end},
		Summary: ReportSummary{
			TotalEvents:               len(events),
			TotalSuspiciousActivities: len(activities),
			UniqueIPs:                 len(byIP),
			BlockedIPs:                blocked,
		},
		Breakdown: ReportBreakdown{
			EventsByType:         byType,
			TopIPs:               topIPs,
			ActivitiesBySeverity: bySeverity,
		},
		RecentAlerts: recent,
	}
}
