package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/kluret-checkout/pkg/config"
	"github.com/angelmondragon/kluret-checkout/pkg/db"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
	"github.com/angelmondragon/kluret-checkout/pkg/migrate"
)

func main() {
	cmd := flag.String("cmd", "up", "up|down|status|reset|version|create|validate")
	dir := flag.String("dir", migrate.DefaultDir, "migrations directory on disk")
	embedded := flag.Bool("embedded", false, "use the migrations compiled into this binary instead of -dir")
	name := flag.String("name", "", "migration name for -cmd=create")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	src := migrate.DirSource(*dir)
	if *embedded {
		src = migrate.EmbeddedSource()
	}

	// create and validate only touch files.
	switch *cmd {
	case "create":
		if *name == "" || *embedded {
			exitf("create needs -name and an on-disk -dir")
		}
		path, err := migrate.CreateSQLMigration(*dir, *name)
		if err != nil {
			exitf("create migration: %v", err)
		}
		fmt.Println("created", path)
		return
	case "validate":
		if err := migrate.ValidateFS(src.FS, src.Dir); err != nil {
			exitf("validation failed: %v", err)
		}
		fmt.Println("migrations valid")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	if cfg.Checkout.StoreKind() != config.SessionStoreSQL {
		exitf("migrations apply to the sql session store; set %s=%s", config.EnvSessionStore, config.SessionStoreSQL)
	}
	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	client, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to open database", err)
		os.Exit(1)
	}
	defer client.Close()
	sqlDB, err := client.DB().DB()
	if err != nil {
		logg.Error(context.Background(), "failed to unwrap database handle", err)
		os.Exit(1)
	}

	dialect := migrate.Dialect(client.Driver())
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"cmd":      *cmd,
		"dialect":  dialect,
		"embedded": *embedded,
	})

	switch *cmd {
	case "up", "down", "status", "reset":
		err = migrate.Run(ctx, sqlDB, dialect, src, *cmd)
	case "version":
		if *version == "" {
			exitf("version needs -version")
		}
		err = migrate.MigrateToVersion(ctx, sqlDB, dialect, src, *version)
	default:
		exitf("unknown -cmd %q", *cmd)
	}
	if err != nil {
		logg.Error(ctx, "migration failed", err)
		client.Close()
		os.Exit(1)
	}
	logg.Info(ctx, "migration complete")
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
