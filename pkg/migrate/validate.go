package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)
)

// ValidateDir validates a migrations root on disk: both dialect trees and
// that they carry the same versions.
func ValidateDir(root string) error {
	if root == "" {
		return fmt.Errorf("dir is required")
	}
	return validateTree(os.DirFS(root), ".")
}

// ValidateEmbedded checks the migrations bundled for driver, and that the
// bundled dialect trees agree on versions.
func ValidateEmbedded(driver string) error {
	if _, _, err := dialectFor(driver); err != nil {
		return err
	}
	return validateTree(embedded, "migrations")
}

func validateTree(fsys fs.FS, root string) error {
	var (
		reference []string
		refDir    string
	)
	for _, sub := range dialectDirs {
		dir := path.Join(root, sub)
		versions, err := ValidateFS(fsys, dir)
		if err != nil {
			return err
		}
		if refDir == "" {
			reference, refDir = versions, sub
			continue
		}
		if missing := difference(reference, versions); len(missing) > 0 {
			return fmt.Errorf("versions %s exist in %s but not in %s", strings.Join(missing, ", "), refDir, sub)
		}
		if extra := difference(versions, reference); len(extra) > 0 {
			return fmt.Errorf("versions %s exist in %s but not in %s", strings.Join(extra, ", "), sub, refDir)
		}
	}
	return nil
}

// ValidateFS checks filenames and goose headers in one directory and returns
// the versions it holds, sorted.
func ValidateFS(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	seen := map[string]string{} // version -> filename

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q in %s (expected YYYYMMDDHHMMSS_name.sql)", name, dir)
		}

		version := m[1]
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %s in %q and %q", version, prev, name)
		}
		seen[version] = name

		b, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read file %q: %w", name, err)
		}

		txt := string(b)
		if !strings.Contains(txt, "-- +goose Up") {
			return nil, fmt.Errorf("migration %q missing \"-- +goose Up\"", name)
		}
		if !strings.Contains(txt, "-- +goose Down") {
			return nil, fmt.Errorf("migration %q missing \"-- +goose Down\"", name)
		}
	}

	versions := make([]string, 0, len(seen))
	for version := range seen {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions, nil
}

// difference returns the entries of a missing from b. Both are sorted.
func difference(a, b []string) []string {
	var out []string
	for _, v := range a {
		i := sort.SearchStrings(b, v)
		if i == len(b) || b[i] != v {
			out = append(out, v)
		}
	}
	return out
}
