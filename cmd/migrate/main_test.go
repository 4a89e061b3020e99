package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	cases := map[string]int64{
		"001_ledger_events.up.sql": 1,
		"002_chain_anchors.up.sql": 2,
		"010_x.up.sql":             10,
	}
	for name, want := range cases {
		got, err := versionFromFile(name)
		if err != nil || got != want {
			t.Errorf("%s: got %d, %v; want %d", name, got, err, want)
		}
	}
	if _, err := versionFromFile("init.sql"); err == nil {
		t.Error("expected error for a name without a version prefix")
	}
}

func TestUpMigrations_skipsDownFiles(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"002_b.up.sql", "001_a.up.sql", "001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	files, err := upMigrations(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "001_a.up.sql" || files[1] != "002_b.up.sql" {
		t.Errorf("unexpected files %v", files)
	}
}

func TestRepositoryMigrationsParse(t *testing.T) {
	files, err := upMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no migrations found")
	}
	for _, f := range files {
		if _, err := versionFromFile(f); err != nil {
			t.Errorf("%s: %v", f, err)
		}
	}
}
