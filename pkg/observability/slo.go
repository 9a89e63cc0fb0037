package observability

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Freshness SLO: P99 of event-receipt-to-portal-publish latency over a
// sliding 10 minute window must stay at or under 180 seconds.
const (
	FreshnessWindow = 10 * time.Minute
	FreshnessTarget = 180 * time.Second
)

// FreshnessStatus reports current compliance.
type FreshnessStatus struct {
	P99          time.Duration `json:"p99"`
	Target       time.Duration `json:"target"`
	InCompliance bool          `json:"in_compliance"`
	SampleCount  int           `json:"sample_count"`
}

type freshnessSample struct {
	latency time.Duration
	at      time.Time
}

// FreshnessSLO tracks doc freshness samples over the sliding window and
// raises CodexFreshnessSLOBreached when the P99 crosses the target.
type FreshnessSLO struct {
	mu      sync.Mutex
	window  time.Duration
	target  time.Duration
	samples []freshnessSample
	clock   func() time.Time
	logger  *slog.Logger
	// breached latches so the alert logs once per excursion.
	breached bool
}

func NewFreshnessSLO(logger *slog.Logger) *FreshnessSLO {
	if logger == nil {
		logger = slog.Default()
	}
	return &FreshnessSLO{
		window: FreshnessWindow,
		target: FreshnessTarget,
		clock:  time.Now,
		logger: logger.With("component", "slo"),
	}
}

// WithClock overrides the clock for testing.
func (s *FreshnessSLO) WithClock(clock func() time.Time) *FreshnessSLO {
	s.clock = clock
	return s
}

// WithTarget overrides window and target, for tests and staged rollouts.
func (s *FreshnessSLO) WithTarget(window, target time.Duration) *FreshnessSLO {
	s.window = window
	s.target = target
	return s
}

// Record adds one freshness sample and re-evaluates compliance.
func (s *FreshnessSLO) Record(latency time.Duration) FreshnessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.samples = append(s.samples, freshnessSample{latency: latency, at: now})
	s.pruneLocked(now)
	status := s.statusLocked()

	if !status.InCompliance && !s.breached {
		s.breached = true
		s.logger.Error("CodexFreshnessSLOBreached",
			"p99_seconds", status.P99.Seconds(),
			"target_seconds", status.Target.Seconds(),
			"samples", status.SampleCount)
	}
	if status.InCompliance {
		s.breached = false
	}
	return status
}

// Status computes compliance over the current window.
func (s *FreshnessSLO) Status() FreshnessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clock())
	return s.statusLocked()
}

func (s *FreshnessSLO) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	kept := s.samples[:0]
	for _, sample := range s.samples {
		if sample.at.After(cutoff) {
			kept = append(kept, sample)
		}
	}
	s.samples = kept
}

func (s *FreshnessSLO) statusLocked() FreshnessStatus {
	status := FreshnessStatus{
		Target:       s.target,
		InCompliance: true,
		SampleCount:  len(s.samples),
	}
	if len(s.samples) == 0 {
		return status
	}

	latencies := make([]time.Duration, len(s.samples))
	for i, sample := range s.samples {
		latencies[i] = sample.latency
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	// Nearest-rank P99.
	rank := (99*len(latencies) + 99) / 100
	if rank > len(latencies) {
		rank = len(latencies)
	}
	status.P99 = latencies[rank-1]
	status.InCompliance = status.P99 <= s.target
	return status
}
