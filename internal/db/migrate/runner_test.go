package migrate

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"experiment-tracking/backend/internal/db"
)

func TestRun_EmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		err := Run(dsn, Up)
		if err == nil {
			t.Fatalf("Run(%q) should return error", dsn)
		}
		if !strings.Contains(err.Error(), "DATABASE_URL is not set") {
			t.Errorf("error = %q, want mention of DATABASE_URL", err.Error())
		}
	}
}

func TestParseDirection(t *testing.T) {
	for _, s := range []string{"up", "down"} {
		if _, err := ParseDirection(s); err != nil {
			t.Errorf("ParseDirection(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "UP", "Up", "sideways"} {
		if _, err := ParseDirection(s); err == nil {
			t.Errorf("ParseDirection(%q) should fail", s)
		}
	}
}

func TestRun_InvalidDirectionBeforeDSN(t *testing.T) {
	err := Run("postgres://localhost/test", Direction("both"))
	if err == nil || !strings.Contains(err.Error(), "direction") {
		t.Errorf("err = %v, want direction error", err)
	}
}

func TestErrNoChange(t *testing.T) {
	if ErrNoChange == nil {
		t.Fatal("ErrNoChange should not be nil")
	}
	if !errors.Is(ErrNoChange, ErrNoChange) {
		t.Error("ErrNoChange should be errors.Is compatible")
	}
}

func TestMigrationFS_PairsUpAndDown(t *testing.T) {
	entries, err := fs.ReadDir(db.MigrationFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	if len(ups) == 0 {
		t.Fatal("no up migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
}
