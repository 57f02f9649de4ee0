package settlement

import (
	"context"
	"sync"
	"time"
)

// ActivitySource aggregates completed work since a point in time.
type ActivitySource interface {
	AggregateActivity(ctx context.Context, since time.Time) (ActivityTotals, error)
}

// ActivityConfig shapes the network activity view.
type ActivityConfig struct {
	Window   time.Duration `json:"window" yaml:"window"`
	Baseline float64       `json:"baseline_work_seconds_per_hour" yaml:"baseline_work_seconds_per_hour"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// DefaultActivityConfig is a one hour window with a baseline of ten
// machine-hours of work per hour.
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{Window: time.Hour, Baseline: 36000, TTL: 15 * time.Second}
}

// ActivitySnapshot is the derived activity view at one instant.
type ActivitySnapshot struct {
	WindowSeconds  float64   `json:"window_seconds"`
	WorkSeconds    float64   `json:"work_seconds"`
	ActiveMachines int       `json:"active_machines"`
	CompletedJobs  int       `json:"completed_jobs"`
	WorkRate       float64   `json:"work_seconds_per_hour"`
	Baseline       float64   `json:"baseline_work_seconds_per_hour"`
	Ratio          float64   `json:"activity_ratio"`
	ComputedAt     time.Time `json:"computed_at"`
}

// ActivityTracker recomputes the activity snapshot from the ledger and
// caches it for a short TTL.
type ActivityTracker struct {
	src ActivitySource
	cfg ActivityConfig
	now func() time.Time

	mu     sync.Mutex
	cached ActivitySnapshot
	valid  bool
}

// NewActivityTracker returns a tracker over src.
func NewActivityTracker(src ActivitySource, cfg ActivityConfig) *ActivityTracker {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &ActivityTracker{src: src, cfg: cfg, now: time.Now}
}

// Snapshot returns the current activity view.
func (t *ActivityTracker) Snapshot(ctx context.Context) (ActivitySnapshot, error) {
	now := t.now()
	t.mu.Lock()
	if t.valid && now.Sub(t.cached.ComputedAt) < t.cfg.TTL {
		s := t.cached
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	totals, err := t.src.AggregateActivity(ctx, now.Add(-t.cfg.Window))
	if err != nil {
		return ActivitySnapshot{}, err
	}
	s := Derive(totals, t.cfg, now)

	t.mu.Lock()
	t.cached, t.valid = s, true
	t.mu.Unlock()
	return s, nil
}

// Invalidate drops the cached snapshot.
func (t *ActivityTracker) Invalidate() {
	t.mu.Lock()
	t.valid = false
	t.mu.Unlock()
}

// Derive turns raw totals into a snapshot. An empty window has ratio 1.
func Derive(totals ActivityTotals, cfg ActivityConfig, at time.Time) ActivitySnapshot {
	window := cfg.Window.Seconds()
	s := ActivitySnapshot{
		WindowSeconds:  window,
		WorkSeconds:    totals.WorkSeconds,
		ActiveMachines: totals.ActiveMachines,
		CompletedJobs:  totals.CompletedJobs,
		Baseline:       cfg.Baseline,
		Ratio:          1,
		ComputedAt:     at,
	}
	if window > 0 {
		s.WorkRate = totals.WorkSeconds * 3600 / window
	}
	if totals.WorkSeconds > 0 && cfg.Baseline > 0 {
		s.Ratio = s.WorkRate / cfg.Baseline
	}
	return s
}
