package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/kluret-checkout/pkg/config"
	"github.com/angelmondragon/kluret-checkout/pkg/db"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
)

// MaybeRunDev applies the embedded migrations when the app runs in dev mode with
// the auto-migrate flag enabled and sessions are stored in SQL.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	if cfg.Checkout.StoreKind() != config.SessionStoreSQL {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	dialect := Dialect(client.Driver())
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dialect": dialect})
	logg.Info(ctx, "applying embedded migrations")
	if err := Run(ctx, sqlDB, dialect, EmbeddedSource(), "up"); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}
	logg.Info(ctx, "embedded migrations applied")
	return nil
}
