// Package bootstrap assembles the checkout coordinator and its infrastructure
// from configuration. Both the api and the session sweeper start from here.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/kluret-checkout/api/controllers"
	"github.com/angelmondragon/kluret-checkout/internal/checkout"
	"github.com/angelmondragon/kluret-checkout/internal/cron"
	"github.com/angelmondragon/kluret-checkout/internal/gateway"
	"github.com/angelmondragon/kluret-checkout/internal/popup"
	"github.com/angelmondragon/kluret-checkout/internal/reconcile"
	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/backend"
	"github.com/angelmondragon/kluret-checkout/pkg/config"
	"github.com/angelmondragon/kluret-checkout/pkg/db"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
	"github.com/angelmondragon/kluret-checkout/pkg/metrics"
	"github.com/angelmondragon/kluret-checkout/pkg/migrate"
	"github.com/angelmondragon/kluret-checkout/pkg/redis"
)

const sweeperLockName = "session-sweeper"

// Deps holds the wired runtime. Redis and DB are nil when not configured.
type Deps struct {
	Redis    *redis.Client
	DB       *db.Client
	Store    session.Store
	Checkout checkout.Service

	logg *logger.Logger
}

// Build connects the configured session store and constructs the coordinator.
func Build(ctx context.Context, cfg *config.Config, logg *logger.Logger, reg prometheus.Registerer) (*Deps, error) {
	deps := &Deps{logg: logg}

	if cfg.Redis.Configured() {
		client, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		deps.Redis = client
	}

	switch cfg.Checkout.StoreKind() {
	case config.SessionStoreSQL:
		client, err := db.New(ctx, cfg.DB, logg)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("bootstrap database: %w", err), deps.Close())
		}
		deps.DB = client
		if err := migrate.MaybeRunDev(ctx, cfg, logg, client); err != nil {
			return nil, multierr.Append(fmt.Errorf("dev migrations: %w", err), deps.Close())
		}
		store, err := session.NewSQLStore(client)
		if err != nil {
			return nil, multierr.Append(err, deps.Close())
		}
		deps.Store = store
	default:
		store, err := session.NewRedisStore(deps.Redis, cfg.Checkout.SessionTTL)
		if err != nil {
			return nil, multierr.Append(err, deps.Close())
		}
		deps.Store = store
	}

	backendClient, err := backend.NewFromConfig(cfg.Backend)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("backend client: %w", err), deps.Close())
	}
	gateways, err := gateway.NewRegistry(cfg.Gateway, cfg.Checkout.RedirectMinimumAmount(), backendClient)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("gateway registry: %w", err), deps.Close())
	}
	reconciler, err := reconcile.New(backendClient,
		reconcile.WithConcurrency(cfg.Checkout.ReconcileWorkers),
		reconcile.WithLogger(logg),
	)
	if err != nil {
		return nil, multierr.Append(err, deps.Close())
	}

	opts := checkout.OptionsFromConfig(cfg.Checkout)
	opts.Logger = logg
	opts.Metrics = metrics.NewCheckoutMetrics(reg)
	svc, err := checkout.NewService(deps.Store, gateways, reconciler, popup.NewBeaconOpener(cfg.Checkout.PopupLease), opts)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("checkout service: %w", err), deps.Close())
	}
	deps.Checkout = svc
	return deps, nil
}

// Pingers lists the dependencies checked by the readiness endpoint.
func (d *Deps) Pingers() map[string]controllers.Pinger {
	out := map[string]controllers.Pinger{}
	if d.Redis != nil {
		out["redis"] = d.Redis
	}
	if d.DB != nil {
		out["database"] = d.DB
	}
	return out
}

// Sweeper builds the scheduled job runner for stale and abandoned sessions.
// The lock is distributed when redis is available.
func (d *Deps) Sweeper(cfg *config.Config, reg prometheus.Registerer) (*cron.Service, error) {
	jobMetrics := metrics.NewCronJobMetrics(reg)
	registry := cron.NewRegistry()

	expiry, err := cron.NewSessionExpiryJob(cron.SessionExpiryJobParams{
		Logger:    d.logg,
		Service:   d.Checkout,
		BatchSize: cfg.Sweeper.BatchSize,
		Metrics:   jobMetrics,
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Register(expiry); err != nil {
		return nil, err
	}

	if purger, ok := d.Store.(*session.SQLStore); ok {
		retention, err := cron.NewSessionRetentionJob(cron.SessionRetentionJobParams{
			Logger:    d.logg,
			Store:     purger,
			Retention: cfg.Sweeper.RetentionDays,
			Metrics:   jobMetrics,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(retention); err != nil {
			return nil, err
		}
	}

	var lock cron.Lock = cron.NewLocalLock()
	if d.Redis != nil {
		redisLock, err := cron.NewRedisLock(d.Redis, d.Redis.LockKey(sweeperLockName), 0)
		if err != nil {
			return nil, err
		}
		lock = redisLock
	}

	return cron.NewService(cron.ServiceParams{
		Logger:   d.logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  jobMetrics,
		Interval: cfg.Sweeper.Interval,
	})
}

// Close releases the store connections.
func (d *Deps) Close() error {
	var errs error
	if d.DB != nil {
		errs = multierr.Append(errs, d.DB.Close())
	}
	if d.Redis != nil {
		errs = multierr.Append(errs, d.Redis.Close())
	}
	return errs
}
