package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/kluret-checkout/pkg/logger"
	"github.com/angelmondragon/kluret-checkout/pkg/metrics"
)

const (
	sessionRetentionJobName = "payment-session-retention"
	sessionRetentionDays    = 7
)

// SessionRetentionJobParams configure the purge of abandoned terminal slots.
type SessionRetentionJobParams struct {
	Logger    *logger.Logger
	Store     abandonedSessionPurger
	Retention int
	Metrics   *metrics.CronJobMetrics
}

type abandonedSessionPurger interface {
	PurgeAbandoned(ctx context.Context, updatedBefore time.Time) (int64, error)
}

func NewSessionRetentionJob(params SessionRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("session store required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = sessionRetentionDays
	}
	return &sessionRetentionJob{
		logg:      params.Logger,
		store:     params.Store,
		retention: retention,
		metrics:   params.Metrics,
		now:       time.Now,
	}, nil
}

type sessionRetentionJob struct {
	logg      *logger.Logger
	store     abandonedSessionPurger
	retention int
	metrics   *metrics.CronJobMetrics
	now       func() time.Time
}

func (j *sessionRetentionJob) Name() string { return sessionRetentionJobName }

func (j *sessionRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	deleted, err := j.store.PurgeAbandoned(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("session retention: %w", err)
	}
	j.metrics.AddProcessed(sessionRetentionJobName, int(deleted))
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "session retention complete")
	return nil
}
