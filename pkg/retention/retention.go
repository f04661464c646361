// Package retention purges threads that have been soft-deleted longer than
// the configured period. Soft delete in the API only flips a flag; this is
// where the data actually leaves the store.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatstream/pkg/config"
	"chatstream/pkg/logger"
	"chatstream/pkg/store"
)

const defaultCron = "0 2 * * *"

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.RetentionConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = defaultCron
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", cfg.Period.Std().String(), "dry_run", cfg.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, cronExpr)
	return cancel, nil
}

// runScheduler computes the next cron tick with gronx and sleeps until it.
func runScheduler(ctx context.Context, cfg config.RetentionConfig, cronExpr string) {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_next_tick_failed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		case <-time.After(next.Sub(now)):
		}
		if err := RunOnce(cfg); err != nil {
			logger.Error("retention_run_failed", "error", err)
		}
	}
}

// RunOnce scans all threads and purges those whose soft-delete timestamp is
// older than the configured period. Exposed so tests and admin triggers can
// run retention on demand.
func RunOnce(cfg config.RetentionConfig) error {
	period := cfg.Period.Std()
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-period).UnixNano()

	threads, err := store.ListThreads()
	if err != nil {
		return err
	}
	purged := 0
	for _, t := range threads {
		if !t.Deleted || t.DeletedTS == 0 || t.DeletedTS > cutoff {
			continue
		}
		if cfg.DryRun {
			logger.Info("retention_would_purge", "thread", t.ID, "deleted_ts", t.DeletedTS)
			continue
		}
		if err := store.PurgeThread(t.ID); err != nil {
			logger.Error("retention_purge_failed", "thread", t.ID, "error", err)
			continue
		}
		purged++
	}
	logger.Info("retention_run_complete", "scanned", len(threads), "purged", purged)
	return nil
}
