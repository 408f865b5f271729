package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// JourneyReconciler periodically scans for abandoned open journeys and closes
// them. It is the in-process fallback for deployments without a Cloud
// Scheduler trigger; running both is safe because every journey is processed
// in its own transaction and re-checked under lock.
type JourneyReconciler struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	WorkerID string
	Interval time.Duration
	LockTTL  time.Duration
}

func NewJourneyReconciler(db *gorm.DB, logger *logrus.Logger) *JourneyReconciler {
	return &JourneyReconciler{
		DB:       db,
		Logger:   logger,
		WorkerID: "reconciler-" + time.Now().Format("20060102-150405.000"),
		Interval: reconcilerInterval(),
		LockTTL:  10 * time.Minute,
	}
}

func reconcilerInterval() time.Duration {
	if v := strings.TrimSpace(os.Getenv("RECONCILER_INTERVAL_MINUTES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return 15 * time.Minute
}

func (p *JourneyReconciler) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.scanOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *JourneyReconciler) scanOnce(ctx context.Context) {
	if !config.JourneyReconcilerEnabled() {
		return
	}

	// Best-effort: the redis lock keeps multiple instances from scanning at
	// the same time. If Redis is unavailable we scan anyway; the per-journey
	// transactions keep concurrent scans safe, just wasteful.
	var lock *redislock.Lock
	if redisLock := config.GetRedisLock(); redisLock != nil {
		var err error
		lock, err = redisLock.Obtain(ctx, "lock:reconcile-journeys", p.LockTTL, nil)
		if err == redislock.ErrNotObtained {
			// Another instance is scanning.
			return
		}
		if err != nil {
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":     "JourneyReconciler",
					"worker_id": p.WorkerID,
				}).Warn("error obtaining redis lock; proceeding without it: " + err.Error())
			}
			lock = nil
		}
	}

	workflow.ReconcileOverdueJourneys(ctx, p.Logger)

	if lock != nil {
		if releaseErr := lock.Release(ctx); releaseErr != nil && p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":     "JourneyReconciler",
				"worker_id": p.WorkerID,
			}).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}
}
