package protocol

import "time"

// AdaptiveTimingConfig holds the tunables governing adaptive response
// timing: the ring size, the timeout bounds, and the multiplier applied
// to the running average.
type AdaptiveTimingConfig struct {
	Enabled    bool
	MinTimeout time.Duration
	MaxTimeout time.Duration
	SampleCount int
	Multiplier float64
}

// DefaultAdaptiveTimingConfig matches the legacy firmware family's
// conservative defaults.
func DefaultAdaptiveTimingConfig() AdaptiveTimingConfig {
	return AdaptiveTimingConfig{
		Enabled:     false,
		MinTimeout:  10 * time.Millisecond,
		MaxTimeout:  500 * time.Millisecond,
		SampleCount: 20,
		Multiplier:  2.5,
	}
}

// AdaptiveTiming maintains a bounded ring of recent response durations
// and a running sum, deriving an effective read timeout from their
// average. No periodic re-scan: the sum is updated incrementally as
// samples enter and leave the ring.
type AdaptiveTiming struct {
	cfg    AdaptiveTimingConfig
	ring   []time.Duration
	sum    time.Duration
	effective time.Duration
}

// NewAdaptiveTiming builds a ring primed at the configured max timeout.
// A non-positive SampleCount falls back to the default ring size.
func NewAdaptiveTiming(cfg AdaptiveTimingConfig) *AdaptiveTiming {
	if cfg.SampleCount <= 0 {
		cfg.SampleCount = DefaultAdaptiveTimingConfig().SampleCount
	}
	return &AdaptiveTiming{cfg: cfg, effective: cfg.MaxTimeout}
}

// RecordResponseTime adds a completed response's duration to the ring,
// evicting the oldest sample once the ring reaches SampleCount, and
// recomputes the effective timeout.
func (a *AdaptiveTiming) RecordResponseTime(d time.Duration) {
	a.ring = append(a.ring, d)
	a.sum += d
	if len(a.ring) > a.cfg.SampleCount {
		a.sum -= a.ring[0]
		a.ring = a.ring[1:]
	}
	avg := a.sum / time.Duration(len(a.ring))
	eff := time.Duration(float64(avg) * a.cfg.Multiplier)
	a.effective = clampDuration(eff, a.cfg.MinTimeout, a.cfg.MaxTimeout)
}

// GetTimeout returns the current effective overall read timeout.
func (a *AdaptiveTiming) GetTimeout() time.Duration {
	if !a.cfg.Enabled {
		return a.cfg.MaxTimeout
	}
	return a.effective
}

// GetInterCharTimeout derives the inter-character quiescence window:
// max(5ms, effective/4).
func (a *AdaptiveTiming) GetInterCharTimeout() time.Duration {
	return maxDuration(5*time.Millisecond, a.GetTimeout()/4)
}

// GetMinWait derives the minimum post-write wait: max(5ms, effective/3).
func (a *AdaptiveTiming) GetMinWait() time.Duration {
	return maxDuration(5*time.Millisecond, a.GetTimeout()/3)
}

// ResetOnError drops all samples and resets the effective timeout to
// 0.75 of the configured maximum, per any non-I/O error in the read
// path.
func (a *AdaptiveTiming) ResetOnError() {
	a.ring = nil
	a.sum = 0
	a.effective = time.Duration(float64(a.cfg.MaxTimeout) * 0.75)
}

// AverageResponseTime returns the ring's current average, or zero if
// empty.
func (a *AdaptiveTiming) AverageResponseTime() time.Duration {
	if len(a.ring) == 0 {
		return 0
	}
	return a.sum / time.Duration(len(a.ring))
}

// SampleCountNow reports how many samples are currently in the ring.
func (a *AdaptiveTiming) SampleCountNow() int { return len(a.ring) }

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
