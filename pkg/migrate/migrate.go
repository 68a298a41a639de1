// Package migrate applies the goose migrations for the sql session store.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/kluret-checkout/pkg/db"
)

const DefaultDir = "pkg/migrate/migrations"

// EmbeddedDir is the path of the migrations inside Embedded.
const EmbeddedDir = "migrations"

//go:embed migrations/*.sql
var Embedded embed.FS

// goose keeps its dialect and base FS in package globals.
var gooseMu sync.Mutex

// Source locates a set of migrations.
type Source struct {
	FS  fs.FS
	Dir string
}

// DirSource reads migrations from the source tree.
func DirSource(dir string) Source {
	return Source{FS: os.DirFS(dir), Dir: "."}
}

// EmbeddedSource reads the migrations compiled into the binary.
func EmbeddedSource() Source {
	return Source{FS: Embedded, Dir: EmbeddedDir}
}

// Dialect maps a configured database driver onto the goose dialect name.
func Dialect(driver string) string {
	if db.NormalizeDriver(driver) == db.DriverSQLite || driver == "sqlite3" {
		return "sqlite3"
	}
	return "postgres"
}

// Run executes a goose command such as up, down, status or reset.
func Run(ctx context.Context, conn *sql.DB, dialect string, src Source, command string, args ...string) error {
	return withGoose(dialect, src, conn, func() error {
		if err := goose.RunContext(ctx, command, conn, src.Dir, args...); err != nil {
			return fmt.Errorf("goose %s: %w", command, err)
		}
		return nil
	})
}

// MigrateToVersion moves the schema up or down to target, a YYYYMMDDHHMMSS version.
func MigrateToVersion(ctx context.Context, conn *sql.DB, dialect string, src Source, target string) error {
	version, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", target, err)
	}
	return withGoose(dialect, src, conn, func() error {
		current, err := goose.GetDBVersionContext(ctx, conn)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		switch {
		case current < version:
			err = goose.UpToContext(ctx, conn, src.Dir, version)
		case current > version:
			err = goose.DownToContext(ctx, conn, src.Dir, version)
		}
		if err != nil {
			return fmt.Errorf("migrate %d -> %d: %w", current, version, err)
		}
		return nil
	})
}

func withGoose(dialect string, src Source, conn *sql.DB, fn func() error) error {
	if conn == nil {
		return fmt.Errorf("db is required")
	}
	if src.FS == nil {
		return fmt.Errorf("migration source is required")
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(src.FS)
	defer goose.SetBaseFS(nil)
	return fn()
}
