// Package retry implements bounded exponential backoff for storage I/O.
// The engine's migration worker wraps its cold-archive write in Do. It is
// never used on the ingest hot path, which must stay lock-free and
// non-blocking.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

// Default mirrors the supplemented retry policy: 3 attempts, 100ms
// initial backoff doubling up to 10s, with jitter to avoid synchronized
// retries across migration workers.
func Default() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// Do calls op until it succeeds, ctx is cancelled, or MaxAttempts is
// exhausted, sleeping with exponential backoff (plus up to 10% jitter)
// between attempts. It returns the last error on exhaustion.
func Do(ctx context.Context, cfg Config, op func() error) error {
	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if attempt > 1 {
			backoff = time.Duration(float64(backoff) * cfg.Multiplier)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
		wait := backoff
		if cfg.Jitter {
			wait += time.Duration(rand.Float64() * float64(backoff) * 0.1)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
