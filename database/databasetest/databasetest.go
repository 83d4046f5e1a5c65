// Package databasetest opens in-memory sqlite databases for tests of the
// database-backed checkpoint and transaction stores.
package databasetest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"

	"github.com/kbukum/flowgraph/database"
	"github.com/kbukum/flowgraph/logger"
)

var seq atomic.Int64

// New opens a fresh named in-memory database, migrates models into it and
// closes it when the test ends. Each call gets its own database.
func New(t testing.TB, models ...interface{}) *database.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:flowgraph_test_%d?mode=memory&cache=shared", seq.Add(1))
	cfg := database.Config{Enabled: true, DSN: dsn, MaxRetries: 1, LogLevel: "silent"}
	db, err := database.New(cfg, logger.Nop(), sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("auto-migrate failed: %v", err)
		}
	}
	return db
}
