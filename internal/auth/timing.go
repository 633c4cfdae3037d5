package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig holds configuration for the failed-login delay
type TimingConfig struct {
	BaseDelay      time.Duration // minimum time a failed attempt takes
	Jitter         time.Duration // random extra delay in [0, Jitter)
	DelayOnSuccess bool          // delay successful attempts as well
}

// TimingDelay pads authentication responses so an unknown account, a bad
// password and a bad second factor all take about the same time
type TimingDelay struct {
	config TimingConfig
}

// NewTimingDelay creates a new TimingDelay instance
func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{config: config}
}

// cryptoRandDuration returns a secure random duration in [0, max)
func cryptoRandDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(randomBytes) % uint64(max))
}

func (td *TimingDelay) target() time.Duration {
	return td.config.BaseDelay + cryptoRandDuration(td.config.Jitter)
}

// WaitFrom sleeps until at least the target delay has elapsed since start.
// It returns early if ctx is cancelled.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, success bool) {
	if td == nil || (success && !td.config.DelayOnSuccess) {
		return
	}

	remaining := td.target() - time.Since(start)
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
