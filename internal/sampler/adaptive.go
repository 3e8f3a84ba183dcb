package sampler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AdaptiveController retunes a HeadSampler's rate to track a target
// number of retained traces per second, boosting the rate during error
// spikes so incident traffic isn't starved by the steady-state budget.
// It uses a token-bucket limiter purely as an EMA-free throughput
// estimator: every observed span consumes a token, and an adjustment
// interval in which any call found the bucket empty counts as running
// over target.
type AdaptiveController struct {
	mu sync.Mutex

	head        *HeadSampler
	targetTPS   float64
	errorBoost  float64
	limiter     *rate.Limiter
	lastAdjust  time.Time
	adjustEvery time.Duration
	refused     int // Observe calls the limiter refused since the last adjustment
}

// NewAdaptiveController builds a controller driving head towards
// targetTPS retained traces/sec, multiplying the budget by errorBoost
// while RecordErrorSpike is active.
func NewAdaptiveController(head *HeadSampler, targetTPS, errorBoost float64) *AdaptiveController {
	return &AdaptiveController{
		head:        head,
		targetTPS:   targetTPS,
		errorBoost:  errorBoost,
		limiter:     rate.NewLimiter(rate.Limit(targetTPS), int(targetTPS)+1),
		adjustEvery: time.Second,
	}
}

// Observe is called once per ingested (pre-sampling) span; it feeds the
// limiter and, at most once per adjustEvery, retunes the head sampler's
// rate based on how saturated the limiter has become.
func (a *AdaptiveController) Observe(now time.Time) {
	allowed := a.limiter.AllowN(now, 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !allowed {
		a.refused++
	}
	if now.Sub(a.lastAdjust) < a.adjustEvery {
		return
	}
	a.lastAdjust = now
	overTarget := a.refused > 0
	a.refused = 0

	current := a.head.Rate()
	switch {
	case overTarget && current > 0:
		// Over target: tighten the defer window.
		a.head.SetRate(current - current/10)
	case !overTarget && current < 10000:
		// Under target: loosen it back up.
		a.head.SetRate(current + current/10 + 1)
	}
}

// RecordErrorSpike temporarily widens the limiter's burst by errorBoost,
// per §6's sampling.error_boost, so a spike in error traces isn't
// throttled by the steady-state budget.
func (a *AdaptiveController) RecordErrorSpike() {
	a.mu.Lock()
	defer a.mu.Unlock()
	boosted := a.targetTPS * a.errorBoost
	a.limiter.SetBurst(int(boosted) + 1)
}

// Reset restores the limiter's normal burst after an error spike has
// subsided.
func (a *AdaptiveController) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limiter.SetBurst(int(a.targetTPS) + 1)
}
