package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/config"
)

const versionLayout = "20060102150405"

var nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

// dialectDirs lists the per-dialect trees under a migrations root. Every
// version has to exist in each of them.
var dialectDirs = []string{config.DBDriverPostgres, config.DBDriverSQLite}

var templates = map[string]string{
	config.DBDriverPostgres: `-- +goose Up
-- +goose StatementBegin
-- %[1]s
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- rollback %[1]s
-- +goose StatementEnd
`,
	// No DO blocks or functions in SQLite, so statements need no grouping.
	config.DBDriverSQLite: `-- +goose Up
-- %[1]s

-- +goose Down
-- rollback %[1]s
`,
}

// CreateSQLMigration writes a goose migration pair under root:
//
//	<root>/postgres/<version>_<name>.sql
//	<root>/sqlite/<version>_<name>.sql
//
// The version is now, bumped past the newest existing version so migrations
// created within the same second still sort after it.
func CreateSQLMigration(root, name string, now time.Time) ([]string, error) {
	if root == "" {
		return nil, fmt.Errorf("dir is required")
	}
	safe := sanitizeName(name)
	if safe == "" {
		return nil, fmt.Errorf("name %q results in empty sanitized filename", name)
	}

	latest, err := latestVersion(root)
	if err != nil {
		return nil, err
	}
	version, err := strconv.ParseInt(now.UTC().Format(versionLayout), 10, 64)
	if err != nil {
		return nil, err
	}
	if version <= latest {
		version = latest + 1
	}

	filename := fmt.Sprintf("%d_%s.sql", version, safe)
	paths := make([]string, 0, len(dialectDirs))
	for _, sub := range dialectDirs {
		dir := filepath.Join(root, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %q: %w", dir, err)
		}
		fullpath := filepath.Join(dir, filename)
		if _, err := os.Stat(fullpath); err == nil {
			return nil, fmt.Errorf("migration already exists: %s", fullpath)
		}
		body := fmt.Sprintf(templates[sub], safe)
		if err := os.WriteFile(fullpath, []byte(body), 0o644); err != nil {
			return nil, fmt.Errorf("write migration %q: %w", fullpath, err)
		}
		paths = append(paths, fullpath)
	}
	return paths, nil
}

func sanitizeName(name string) string {
	safe := strings.ToLower(strings.TrimSpace(name))
	safe = nameSanitizeRe.ReplaceAllString(safe, "_")
	return strings.Trim(safe, "_")
}

func latestVersion(root string) (int64, error) {
	var latest int64
	for _, sub := range dialectDirs {
		entries, err := os.ReadDir(filepath.Join(root, sub))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read dir %q: %w", sub, err)
		}
		for _, e := range entries {
			m := sqlFileRe.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			v, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return 0, err
			}
			if v > latest {
				latest = v
			}
		}
	}
	return latest, nil
}
