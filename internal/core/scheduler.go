package core

// scheduler.go runs periodic backups.
//
// The scheduler is long-running and stops with its context. A failed or
// busy run is logged and retried on the next tick.

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// StartBackupScheduler calls BackupAll every interval until ctx is done.
// A non-positive interval disables it.
func (s *Service) StartBackupScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	slog.Info("backup scheduler started", "interval", interval.String(), "dir", s.backups.Dir())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("backup scheduler stopped")
			return
		case <-ticker.C:
			s.runBackupJob(ctx)
		}
	}
}

// runBackupJob performs one scheduled backup.
func (s *Service) runBackupJob(ctx context.Context) {
	start := time.Now()
	res, err := s.BackupAll(ctx)
	switch {
	case errors.Is(err, ErrOperationBusy):
		slog.Info("scheduled backup skipped, operation in progress")
	case err != nil:
		slog.Error("scheduled backup failed", "error", err)
	default:
		slog.Info("scheduled backup completed",
			"entities", len(res.Files),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
