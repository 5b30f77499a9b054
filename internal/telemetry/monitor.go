package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Period selects a rolling window for monitor reports.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

func (p Period) Duration() time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

type sample struct {
	at         time.Time
	task       string
	success    bool
	overridden bool
	latency    time.Duration
}

// Report is a rolling snapshot of gateway health.
type Report struct {
	Period       Period   `json:"period"`
	Requests     int      `json:"requests"`
	Errors       int      `json:"errors"`
	Overrides    int      `json:"overrides"`
	AvgLatencyMs int64    `json:"avg_latency_ms"`
	P95LatencyMs int64    `json:"p95_latency_ms"`
	HealthScore  float64  `json:"health_score"`
	Issues       []string `json:"issues,omitempty"`
}

// Monitor keeps a rolling in-memory record of request outcomes and derives a
// composite health score. It is read-only from the request path's point of
// view: Record is a bounded append and never blocks on I/O.
type Monitor struct {
	mu      sync.Mutex
	samples []sample
	maxAge  time.Duration
	now     func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		maxAge: 24 * time.Hour,
		now:    time.Now,
	}
}

// Record adds one request outcome.
func (m *Monitor) Record(task string, success, overridden bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{
		at:         m.now(),
		task:       task,
		success:    success,
		overridden: overridden,
		latency:    latency,
	})
	m.prune()
}

// prune drops samples older than the day window. Must be called with mu held.
func (m *Monitor) prune() {
	cutoff := m.now().Add(-m.maxAge)
	i := 0
	for ; i < len(m.samples); i++ {
		if m.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		m.samples = append(m.samples[:0:0], m.samples[i:]...)
	}
}

const (
	errorRateIssueThreshold    = 0.10
	overrideRateIssueThreshold = 0.20
	latencyIssueThresholdMs    = 10_000
)

// Snapshot aggregates the requested rolling window.
func (m *Monitor) Snapshot(period Period) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-period.Duration())
	report := Report{Period: period, HealthScore: 1.0}

	var latencies []time.Duration
	var totalLatency time.Duration
	for _, s := range m.samples {
		if !s.at.After(cutoff) {
			continue
		}
		report.Requests++
		if !s.success {
			report.Errors++
		}
		if s.overridden {
			report.Overrides++
		}
		latencies = append(latencies, s.latency)
		totalLatency += s.latency
	}

	if report.Requests == 0 {
		return report
	}

	report.AvgLatencyMs = (totalLatency / time.Duration(report.Requests)).Milliseconds()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	report.P95LatencyMs = latencies[len(latencies)*95/100].Milliseconds()

	errorRate := float64(report.Errors) / float64(report.Requests)
	overrideRate := float64(report.Overrides) / float64(report.Requests)

	if errorRate > errorRateIssueThreshold {
		report.HealthScore -= 0.4
		report.Issues = append(report.Issues, "elevated error rate")
	}
	if overrideRate > overrideRateIssueThreshold {
		report.HealthScore -= 0.3
		report.Issues = append(report.Issues, "elevated override rate")
	}
	if report.P95LatencyMs > latencyIssueThresholdMs {
		report.HealthScore -= 0.2
		report.Issues = append(report.Issues, "degraded latency")
	}
	if report.HealthScore < 0 {
		report.HealthScore = 0
	}
	return report
}
