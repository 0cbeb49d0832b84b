package sentinel

// ClassifierConfig holds the cutoffs above which an activity is scored high
// instead of medium. Every cutoff is strict: a detail value must exceed it.
type ClassifierConfig struct {
	HighIPAttempts      int
	HighUserAttempts    int
	HighOrderCount      int
	HighRequestCount    int
	HighUniqueEndpoints int
}

// DefaultClassifierConfig returns the standard severity cutoffs.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		HighIPAttempts:      10,
		HighUserAttempts:    10,
		HighOrderCount:      20,
		HighRequestCount:    50,
		HighUniqueEndpoints: 20,
	}
}

// withDefaults fills zero cutoffs from DefaultClassifierConfig.
func (c ClassifierConfig) withDefaults() ClassifierConfig {
	d := DefaultClassifierConfig()
	if c.HighIPAttempts <= 0 {
		c.HighIPAttempts = d.HighIPAttempts
	}
	if c.HighUserAttempts <= 0 {
		c.HighUserAttempts = d.HighUserAttempts
	}
	if c.HighOrderCount <= 0 {
		c.HighOrderCount = d.HighOrderCount
	}
	if c.HighRequestCount <= 0 {
		c.HighRequestCount = d.HighRequestCount
	}
	if c.HighUniqueEndpoints <= 0 {
		c.HighUniqueEndpoints = d.HighUniqueEndpoints
	}
	return c
}

// Classify maps an activity type and its details to a severity level.
// Pure function; unknown activity types score low.
func Classify(cfg ClassifierConfig, typ ActivityType, details map[string]any) Severity {
	switch typ {
	case ActivityExcessiveFailedAttempts:
		if detailInt(details, "ipAttempts") > cfg.HighIPAttempts ||
			detailInt(details, "userAttempts") > cfg.HighUserAttempts {
			return SeverityHigh
		}
		return SeverityMedium
	case ActivityPrivilegeEscalation:
		return SeverityHigh
	case ActivityOrderFrequencyAbuse:
		if detailInt(details, "recentOrderCount") > cfg.HighOrderCount {
			return SeverityHigh
		}
		return SeverityMedium
	case ActivityRapidRequests:
		if detailInt(details, "requestCount") > cfg.HighRequestCount {
			return SeverityHigh
		}
		return SeverityMedium
	case ActivityEndpointScanning:
		if detailInt(details, "uniqueEndpoints") > cfg.HighUniqueEndpoints {
			return SeverityHigh
		}
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// detailInt reads an integer detail, tolerating the numeric types JSON
// round-trips produce.
func detailInt(details map[string]any, key string) int {
	switch v := details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
