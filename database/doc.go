// Package database wraps GORM with flowgraph logging, connection retry,
// transactions and auto-migration.
//
// It backs the durable stores: checkpoint.DatabaseBackend keeps one row per
// execution and txn.DatabaseStore applies a unit's committed writes inside
// WithTransaction. The sqlite driver is built in:
//
//	db, err := database.Open(ctx, database.Config{Enabled: true, DSN: "flowgraph.db"}, log)
//	err = db.AutoMigrate(&checkpoint.Record{})
//
// Tests use the databasetest subpackage for an in-memory sqlite database.
package database
