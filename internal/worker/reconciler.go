package worker

import (
	"CloudBox/config"
	"CloudBox/internal/repo"
	"CloudBox/internal/service"
	"CloudBox/pkg/metrics"
	"context"
	"log"
	"time"
)

// RunReconciler periodically aborts stale upload sessions and removes
// orphaned staging directories. With Redis configured, a lease makes sure
// only one instance sweeps per cycle; without it the process is assumed to
// be the only one.
func RunReconciler(ctx context.Context) {
	interval := config.AppConfig.ReconcileInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileOnce(ctx)
		}
	}
}

func reconcileOnce(ctx context.Context) {
	if repo.Redis != nil {
		lock := repo.NewRedisLock(repo.Redis, "lock:reconcile", config.AppConfig.ReconcileLeaseTTL)
		held, err := lock.TryLock(ctx)
		if err != nil {
			log.Printf("reconciler: lease acquire failed: %v", err)
			return
		}
		if !held {
			return
		}
		defer func() {
			if err := lock.Unlock(ctx); err != nil {
				log.Printf("reconciler: lease release failed: %v", err)
			}
		}()
	}

	stale, err := service.SweepStaleSessions(ctx, config.AppConfig.UploadStaleAfter)
	if err != nil {
		log.Printf("reconciler: stale session sweep failed: %v", err)
	}
	if stale > 0 {
		log.Printf("reconciler: aborted %d stale upload sessions", stale)
		metrics.ReconcilerSweepsTotal.WithLabelValues("stale_session").Add(float64(stale))
	}

	orphans, err := service.SweepOrphanChunkDirs(ctx)
	if err != nil {
		log.Printf("reconciler: orphan chunk sweep failed: %v", err)
	}
	if orphans > 0 {
		log.Printf("reconciler: removed %d orphan chunk dirs", orphans)
		metrics.ReconcilerSweepsTotal.WithLabelValues("orphan_chunks").Add(float64(orphans))
	}
}
