package testsupport

import (
	"context"
	"testing"

	"statd/internal/config"
	"statd/internal/statmon"
)

// MustOpenStatusDB opens the status database for tests and registers cleanup.
func MustOpenStatusDB(t testing.TB, cfg *config.Config) *statmon.DB {
	t.Helper()

	db, err := statmon.Open(cfg.Paths.StatusDB)
	if err != nil {
		t.Fatalf("statmon.Open: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// AddHosts records monitored hosts in db.
func AddHosts(t testing.TB, db *statmon.DB, hosts ...string) {
	t.Helper()

	for _, host := range hosts {
		if err := db.AddHost(context.Background(), host); err != nil {
			t.Fatalf("AddHost %s: %v", host, err)
		}
	}
}
