package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
)

var migrationName = regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.(up|down)\.sql$`)

func migrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func TestMigrationsArePairedAndContiguous(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir())
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pairs := map[int]map[string]bool{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file %q in migrations dir", entry.Name())
		}
		version, _ := strconv.Atoi(match[1])
		if pairs[version] == nil {
			pairs[version] = map[string]bool{}
		}
		pairs[version][match[2]] = true
	}

	if len(pairs) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version := 1; version <= len(pairs); version++ {
		dirs, ok := pairs[version]
		if !ok {
			t.Fatalf("migration %04d missing; versions must be contiguous", version)
		}
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("migration %04d needs both up and down files", version)
		}
	}
}

func TestUpMigrationFilesAreOrdered(t *testing.T) {
	files, err := upMigrationFiles(migrationsDir())
	if err != nil {
		t.Fatalf("upMigrationFiles() error = %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("files = %v, want at least the users, baseline and ledger migrations", files)
	}
	for i := 1; i < len(files); i++ {
		if filepath.Base(files[i-1]) >= filepath.Base(files[i]) {
			t.Fatalf("files out of order: %s before %s", files[i-1], files[i])
		}
	}
	if filepath.Base(files[0]) != "0001_users_sessions.up.sql" {
		t.Fatalf("first migration = %s", files[0])
	}
}

func TestUpMigrationFilesMissingDir(t *testing.T) {
	if _, err := upMigrationFiles(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing migrations dir")
	}
}
