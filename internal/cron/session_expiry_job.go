package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/kluret-checkout/pkg/logger"
	"github.com/angelmondragon/kluret-checkout/pkg/metrics"
)

const (
	sessionExpiryJobName      = "payment-session-expiry"
	defaultSessionExpiryBatch = 100
)

// SessionExpiryJobParams configure the stale session sweep.
type SessionExpiryJobParams struct {
	Logger    *logger.Logger
	Service   sessionExpirer
	BatchSize int
	Metrics   *metrics.CronJobMetrics
}

type sessionExpirer interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
}

// NewSessionExpiryJob builds the job that resolves sessions abandoned past
// their polling window.
func NewSessionExpiryJob(params SessionExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Service == nil {
		return nil, fmt.Errorf("checkout service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSessionExpiryBatch
	}
	return &sessionExpiryJob{
		logg:    params.Logger,
		svc:     params.Service,
		batch:   batch,
		metrics: params.Metrics,
		now:     time.Now,
	}, nil
}

type sessionExpiryJob struct {
	logg    *logger.Logger
	svc     sessionExpirer
	batch   int
	metrics *metrics.CronJobMetrics
	now     func() time.Time
}

func (j *sessionExpiryJob) Name() string { return sessionExpiryJobName }

func (j *sessionExpiryJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	expired, err := j.svc.ExpireStale(ctx, now, j.batch)
	j.metrics.AddProcessed(sessionExpiryJobName, expired)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"batch_size":       j.batch,
		"sessions_expired": expired,
	})
	if err != nil {
		return fmt.Errorf("expire stale sessions: %w", err)
	}
	j.logg.Info(logCtx, "stale session sweep complete")
	return nil
}
