package utils

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// Jitter returns d adjusted by a random factor in [-factor, +factor].
// A factor of 0.2 yields durations in [0.8d, 1.2d].
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	if factor > 1 {
		factor = 1
	}
	offset := (secureRandomFloat64()*2 - 1) * factor
	jittered := float64(d) * (1 + offset)
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

// ExponentialBackoff returns base*2^attempt capped at max, with
// optional jitter applied after capping
func ExponentialBackoff(attempt int, base, max time.Duration, jitterFactor float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) || backoff < 0 {
		backoff = float64(max)
	}
	d := time.Duration(backoff)
	if jitterFactor > 0 {
		d = Jitter(d, jitterFactor)
	}
	return d
}

// SleepWithContext sleeps for d or until ctx is cancelled, whichever
// comes first. Returns ctx.Err() when interrupted.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// secureRandomFloat64 returns a uniform value in [0, 1) sourced from
// crypto/rand. Falls back to 0.5 if the source fails.
func secureRandomFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / float64(1<<53)
}
