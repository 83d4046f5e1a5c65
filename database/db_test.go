package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"gorm.io/gorm"

	apperrors "github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/logger"
)

type kv struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := Config{
		Enabled:    true,
		DSN:        fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
		MaxRetries: 1,
		LogLevel:   "silent",
	}
	db, err := Open(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.AutoMigrate(&kv{}); err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}
	return db
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}, logger.Nop())
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestWithTransaction_Commit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&kv{Key: "a", Value: "1"}).Error; err != nil {
			return err
		}
		return tx.Create(&kv{Key: "b", Value: "2"}).Error
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	var count int64
	db.WithContext(ctx).Model(&kv{}).Count(&count)
	if count != 2 {
		t.Errorf("expected 2 rows, got %d", count)
	}
}

func TestWithTransaction_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&kv{Key: "a", Value: "1"}).Error; err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var count int64
	db.WithContext(ctx).Model(&kv{}).Count(&count)
	if count != 0 {
		t.Errorf("expected rollback to leave 0 rows, got %d", count)
	}
}

func TestWithTransaction_RollbackOnPanic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = db.WithTransaction(ctx, func(tx *gorm.DB) error {
			tx.Create(&kv{Key: "a", Value: "1"})
			panic("handler bug")
		})
	}()

	var count int64
	db.WithContext(ctx).Model(&kv{}).Count(&count)
	if count != 0 {
		t.Errorf("expected rollback to leave 0 rows, got %d", count)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestComponentLifecycle(t *testing.T) {
	cfg := Config{Enabled: true, DSN: "file:component_lifecycle?mode=memory&cache=shared", AutoMigrate: true, LogLevel: "silent"}
	c := NewComponent(cfg, logger.Nop()).WithAutoMigrate(&kv{})
	ctx := context.Background()

	if c.Health(ctx).Status != "unhealthy" {
		t.Error("expected unhealthy before start")
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.Health(ctx).Status != "healthy" {
		t.Error("expected healthy after start")
	}
	if !c.DB().GormDB.Migrator().HasTable(&kv{}) {
		t.Error("expected auto-migrated table")
	}
	if !strings.Contains(c.Describe().Details, "auto-migrate=on") {
		t.Errorf("unexpected description %q", c.Describe().Details)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.Driver != DriverSQLite || cfg.MaxOpenConns != 1 || cfg.MaxIdleConns != 1 {
		t.Errorf("unexpected sqlite defaults %+v", cfg)
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
	cfg.MaxIdleConns = 5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when idle > open")
	}
}

func TestFromDatabase(t *testing.T) {
	if FromDatabase(nil, "get", "kv") != nil {
		t.Error("expected nil for nil error")
	}
	if got := FromDatabase(gorm.ErrRecordNotFound, "get", "kv"); got.Code != apperrors.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %s", got.Code)
	}
	busy := FromDatabase(errors.New("database is locked"), "put", "kv")
	if busy.Code != apperrors.ErrCodeStorage || !busy.Retryable {
		t.Errorf("expected retryable STORAGE_ERROR, got %+v", busy)
	}
	other := FromDatabase(errors.New("syntax error"), "put", "kv")
	if other.Retryable {
		t.Error("expected syntax error not to be retryable")
	}
}
