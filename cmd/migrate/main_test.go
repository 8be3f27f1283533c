package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	cases := map[string]int64{
		"001_init.up.sql":       1,
		"012_add_index.up.sql":  12,
		"100_big_change.up.sql": 100,
	}
	for name, want := range cases {
		got, err := versionFromFile(name)
		if err != nil {
			t.Fatalf("versionFromFile(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("versionFromFile(%q) = %d, want %d", name, got, want)
		}
	}

	for _, bad := range []string{"init.up.sql", "abc_init.up.sql"} {
		if _, err := versionFromFile(bad); err == nil {
			t.Errorf("versionFromFile(%q): expected error", bad)
		}
	}
}

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"010_later.up.sql", "002_second.up.sql", "001_init.up.sql", "001_init.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := migrationFiles(dir)
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	want := []string{"001_init.up.sql", "002_second.up.sql", "010_later.up.sql"}
	if len(files) != len(want) {
		t.Fatalf("got %d files, want %d", len(files), len(want))
	}
	for i, m := range files {
		if m.name != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, m.name, want[i])
		}
	}
}

func TestMigrationFiles_repoSchema(t *testing.T) {
	files, err := migrationFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(files) == 0 || files[0].version != 1 {
		t.Fatalf("expected 001_init.up.sql first, got %+v", files)
	}
}
