package background

import (
	"context"
	"log/slog"
	"time"
)

// AttemptPruner deletes attempt records that have been idle past the horizon
type AttemptPruner interface {
	DeleteIdleAttempts(ctx context.Context, olderThan time.Time) (int64, error)
}

// CleanupManager periodically removes stale recovery-attempt records from the
// database. A record is stale once its window, and any lockout on it, are far
// enough in the past that the gate would treat it as fresh anyway.
type CleanupManager struct {
	pruner    AttemptPruner
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	stopCh    chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	pruner AttemptPruner,
	logger *slog.Logger,
	interval time.Duration,
	retention time.Duration,
) *CleanupManager {
	return &CleanupManager{
		pruner:    pruner,
		logger:    logger,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup removes idle attempt records from the database
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	horizon := time.Now().Add(-cm.retention)
	rowsDeleted, err := cm.pruner.DeleteIdleAttempts(cleanupCtx, horizon)
	if err != nil {
		cm.logger.Error("failed to cleanup idle recovery attempts", slog.Any("error", err))
		return
	}

	if rowsDeleted > 0 {
		cm.logger.Info("idle recovery attempt cleanup completed", slog.Int64("rows_deleted", rowsDeleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
