package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/outbox-relay/pkg/config"
)

// DefaultDir is empty: the migrations bundled into the binary are used.
const DefaultDir = ""

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embedded embed.FS

// goose keeps dialect and filesystem as package globals.
var gooseMu sync.Mutex

func dialectFor(driver string) (dialect string, sub string, err error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", config.DBDriverPostgres:
		return "postgres", config.DBDriverPostgres, nil
	case config.DBDriverSQLite:
		return "sqlite3", config.DBDriverSQLite, nil
	default:
		return "", "", fmt.Errorf("unsupported migration driver %q", driver)
	}
}

// prepare points goose at the embedded tree unless an explicit dir is given.
// An explicit dir is a root laid out like the embedded one, with one
// subdirectory per driver.
func prepare(driver, dir string) (string, error) {
	dialect, sub, err := dialectFor(driver)
	if err != nil {
		return "", err
	}
	if err := goose.SetDialect(dialect); err != nil {
		return "", fmt.Errorf("set goose dialect: %w", err)
	}
	if dir == "" {
		goose.SetBaseFS(embedded)
		return path.Join("migrations", sub), nil
	}
	goose.SetBaseFS(nil)
	return filepath.Join(dir, sub), nil
}

// Run executes a standard goose command that requires a DB connection.
func Run(ctx context.Context, db *sql.DB, driver, dir, command string, args ...string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	resolved, err := prepare(driver, dir)
	if err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, resolved, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// CurrentVersion returns the latest applied migration version.
func CurrentVersion(db *sql.DB, driver string) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("db is required")
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if _, err := prepare(driver, DefaultDir); err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("get db version: %w", err)
	}
	return version, nil
}

// MigrateToVersion migrates up/down to the requested version by comparing current DB version.
func MigrateToVersion(ctx context.Context, db *sql.DB, driver, dir string, targetVersion string) error {
	if targetVersion == "" {
		return fmt.Errorf("targetVersion is required")
	}
	target, err := strconv.ParseInt(targetVersion, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS): %w", targetVersion, err)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	resolved, err := prepare(driver, dir)
	if err != nil {
		return err
	}
	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	switch {
	case current == target:
		return nil
	case current < target:
		if err := goose.UpToContext(ctx, db, resolved, target); err != nil {
			return fmt.Errorf("goose up-to %d: %w", target, err)
		}
		return nil
	default:
		if err := goose.DownToContext(ctx, db, resolved, target); err != nil {
			return fmt.Errorf("goose down-to %d: %w", target, err)
		}
		return nil
	}
}
