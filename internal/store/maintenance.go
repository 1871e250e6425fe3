package store

import (
	"context"
	"log/slog"
	"time"
)

// MaintenanceConfig controls the periodic store sweep.
type MaintenanceConfig struct {
	Interval         time.Duration
	MemoryMaxEntries int
}

// RunMaintenance sweeps the store every cfg.Interval until ctx is done. A
// sweep trims agent memories beyond the configured cap, which only finds
// work after the cap was lowered, and checkpoints the WAL.
func RunMaintenance(ctx context.Context, repo Repository, cfg MaintenanceConfig) error {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	slog.Info("Maintenance worker started", "interval", cfg.Interval, "memory_max_entries", cfg.MemoryMaxEntries)

	for {
		select {
		case <-ticker.C:
			Sweep(ctx, repo, cfg.MemoryMaxEntries)
		case <-ctx.Done():
			slog.Info("Maintenance worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one maintenance pass. Failures are logged; the next pass retries.
func Sweep(ctx context.Context, repo Repository, maxEntries int) {
	trimmed, err := repo.TrimMemories(ctx, maxEntries)
	if err != nil {
		slog.Error("Maintenance failed to trim memories", "error", err)
	} else if trimmed > 0 {
		slog.Info("Maintenance trimmed agent memories", "count", trimmed)
	}

	if err := repo.Checkpoint(ctx); err != nil {
		slog.Warn("Maintenance checkpoint failed", "error", err)
	}
}
