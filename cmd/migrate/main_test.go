package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	cases := map[string]int64{
		"001_decision_log.up.sql": 1,
		"012_add_index.down.sql":  12,
		"7_no_padding.up.sql":     7,
	}
	for name, want := range cases {
		got, err := versionFromFile(name)
		if err != nil || got != want {
			t.Errorf("%s: got %d, %v; want %d", name, got, err, want)
		}
	}
	for _, bad := range []string{"init.up.sql", "abc_init.up.sql"} {
		if _, err := versionFromFile(bad); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}

func TestCollect_filtersAndOrders(t *testing.T) {
	d := t.TempDir()
	for _, name := range []string{
		"002_b.up.sql", "002_b.down.sql",
		"001_a.up.sql", "001_a.down.sql",
		"010_c.up.sql", "README.md",
	} {
		if err := os.WriteFile(filepath.Join(d, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	ups, err := collect(d, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, m := range ups {
		got = append(got, m.file)
	}
	want := []string{"001_a.up.sql", "002_b.up.sql", "010_c.up.sql"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}

	downs, err := collect(d, ".down.sql")
	if err != nil || len(downs) != 2 {
		t.Errorf("down migrations: %v, %v", downs, err)
	}
}

func TestCollect_duplicateVersion(t *testing.T) {
	d := t.TempDir()
	for _, name := range []string{"001_a.up.sql", "001_b.up.sql"} {
		if err := os.WriteFile(filepath.Join(d, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := collect(d, ".up.sql"); err == nil {
		t.Error("expected duplicate version error")
	}
}
