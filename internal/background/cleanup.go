package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/services"
)

// LockoutSweeper runs the lockout maintenance pass
type LockoutSweeper interface {
	Sweep(ctx context.Context) (services.SweepResult, error)
}

// SessionPurger removes expired challenge sessions
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

// CleanupManager periodically expires lockouts, trims login history, purges
// stale attempt records and drops expired challenge sessions
type CleanupManager struct {
	lockout  LockoutSweeper
	sessions SessionPurger
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	lockout LockoutSweeper,
	sessions SessionPurger,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		lockout:  lockout,
		sessions: sessions,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task. It blocks until Stop is called or
// ctx is cancelled.
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single maintenance pass. A failing step is logged and
// does not prevent the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// the sweep reports its own counts
	if _, err := cm.lockout.Sweep(cleanupCtx); err != nil {
		cm.logger.Error("lockout sweep failed", slog.Any("error", err))
	}

	purged, err := cm.sessions.PurgeExpiredSessions(cleanupCtx)
	if err != nil {
		cm.logger.Error("failed to purge expired challenge sessions", slog.Any("error", err))
		return
	}
	if purged > 0 {
		cm.logger.Info("expired challenge sessions purged", slog.Int64("rows_deleted", purged))
	}
}

// Stop signals the cleanup manager to stop. It is safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
