// Package retention purges data nothing references anymore: version
// history of tombstoned comments and finished run rows past the retention
// period. The event log and inbox rows are never touched: the log is the
// source of truth and inbox rows are the product this server exists for.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"inboxdb/pkg/config"
	"inboxdb/pkg/logger"
	"inboxdb/pkg/state"
	"inboxdb/pkg/store"
	"inboxdb/pkg/telemetry"
)

// Start launches the retention scheduler when enabled. Returns a cancel
// func for shutdown.
func Start(ctx context.Context, cfg *config.Config) (context.CancelFunc, error) {
	ret := cfg.Retention
	if !ret.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	retentionPath := state.PathsVar.Retention
	if err := os.MkdirAll(retentionPath, 0o700); err != nil {
		logger.Error("retention_path_create_failed", "path", retentionPath, "error", err)
		return nil, err
	}

	cronExpr := ret.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", ret.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", ret.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", ret.Period, "path", retentionPath)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, cronExpr)
	return cancel, nil
}

// RunOnce performs a single purge pass immediately (admin/test trigger).
func RunOnce(cfg *config.Config) error {
	return runOnce(context.Background(), cfg)
}

// runScheduler sleeps until each next cron tick and triggers a purge pass.
func runScheduler(ctx context.Context, cfg *config.Config, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if err := runOnce(ctx, cfg); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// runOnce purges one batch of expired data and records a marker file so
// operators can see when the last pass ran.
func runOnce(ctx context.Context, cfg *config.Config) error {
	ret := cfg.Retention
	if ret.Paused {
		logger.Info("retention_paused")
		return nil
	}

	period := 30 * 24 * time.Hour
	if ret.Period != "" {
		p, err := time.ParseDuration(ret.Period)
		if err != nil {
			return fmt.Errorf("invalid retention period %q: %w", ret.Period, err)
		}
		period = p
	}
	cutoff := time.Now().Add(-period).UTC().UnixNano()

	batch := ret.BatchSize
	if batch <= 0 {
		batch = 1000
	}

	purgedVersions, err := purgeDeletedCommentVersions(cutoff, batch, ret.DryRun)
	if err != nil {
		return err
	}
	purgedRuns, err := purgeFinishedRuns(cutoff, batch, ret.DryRun)
	if err != nil {
		return err
	}

	logger.Info("retention_run_done",
		"comment_versions", purgedVersions, "runs", purgedRuns,
		"cutoff", cutoff, "dry_run", ret.DryRun)

	if state.PathsVar.Retention != "" {
		marker := filepath.Join(state.PathsVar.Retention, "last_run")
		_ = os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0o600)
	}
	return nil
}

// purgeDeletedCommentVersions removes version history of comments whose
// latest version is a tombstone older than cutoff. The latest pointer and
// the thread entry survive: readers still see the deletion happened.
func purgeDeletedCommentVersions(cutoff int64, batch int, dryRun bool) (int, error) {
	ids, err := store.DeletedCommentIDs(cutoff)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		if purged >= batch {
			break
		}
		keys, err := store.CommentVersionKeys(id)
		if err != nil {
			return purged, err
		}
		if len(keys) <= 1 {
			continue
		}
		// keep the newest version (the tombstone)
		keys = keys[:len(keys)-1]
		if dryRun {
			logger.Info("retention_would_purge", "kind", "comment_versions", "comment", id, "keys", len(keys))
			purged += len(keys)
			continue
		}
		if err := store.DeleteKeys(keys); err != nil {
			return purged, err
		}
		telemetry.RetentionPurged.WithLabelValues("comment_versions").Add(float64(len(keys)))
		purged += len(keys)
	}
	return purged, nil
}

// purgeFinishedRuns removes run rows (and their activities) for runs that
// reached a terminal state before cutoff.
func purgeFinishedRuns(cutoff int64, batch int, dryRun bool) (int, error) {
	keys, err := store.FinishedRunKeys(cutoff)
	if err != nil {
		return 0, err
	}
	if len(keys) > batch {
		keys = keys[:batch]
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if dryRun {
		logger.Info("retention_would_purge", "kind", "runs", "keys", len(keys))
		return len(keys), nil
	}
	if err := store.DeleteKeys(keys); err != nil {
		return 0, err
	}
	telemetry.RetentionPurged.WithLabelValues("runs").Add(float64(len(keys)))
	return len(keys), nil
}
