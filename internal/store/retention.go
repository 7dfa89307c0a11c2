package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = time.Hour

// Cleaner is the part of Repository the retention worker needs.
type Cleaner interface {
	CleanupMessages(ctx context.Context, retention time.Duration) (int64, error)
}

// StartRetentionWorker periodically deletes conversation log entries older
// than retention. A non-positive retention disables the worker.
func StartRetentionWorker(ctx context.Context, repo Cleaner, retention time.Duration) {
	startRetentionWorker(ctx, repo, retention, retentionWorkerInterval)
}

func startRetentionWorker(ctx context.Context, repo Cleaner, retention, interval time.Duration) {
	if retention <= 0 {
		slog.Info("Retention worker disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweepMessages(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepMessages(ctx context.Context, repo Cleaner, retention time.Duration) {
	deleted, err := repo.CleanupMessages(ctx, retention)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Retention worker failed to clean up messages", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker removed old messages", "count", deleted)
	}
}
