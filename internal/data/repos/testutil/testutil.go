package testutil

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	types "github.com/spotforge/spotforge-backend/internal/domain"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

var (
	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error

	sqliteSeq atomic.Int64
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.NewNop()
}

// DB returns a shared Postgres handle when TEST_POSTGRES_DSN is set,
// migrated and ready. Tests that depend on Postgres-only behavior
// (SKIP LOCKED, JSONB operators) should pair it with Tx for isolation.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			return
		}

		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			TranslateError:                           true,
			Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}

		dbErr = db.AutoMigrate(types.AllModels()...)
	})

	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	if db == nil {
		tb.Skip("set TEST_POSTGRES_DSN to run Postgres-backed tests")
	}
	return db
}

// SQLiteDB opens a fresh in-memory database per test. The domain models
// assign their own UUIDs on create, so the schema migrates and inserts work
// without Postgres extensions.
func SQLiteDB(tb testing.TB) *gorm.DB {
	tb.Helper()

	name := fmt.Sprintf("file:spotforge_test_%d?mode=memory&cache=shared", sqliteSeq.Add(1))
	hdl, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := hdl.AutoMigrate(types.AllModels()...); err != nil {
		tb.Fatalf("migrate sqlite: %v", err)
	}
	tb.Cleanup(func() {
		if raw, err := hdl.DB(); err == nil {
			_ = raw.Close()
		}
	})
	return hdl
}

// AnyDB prefers Postgres when configured, otherwise falls back to sqlite.
// Suitable for repo logic that does not rely on Postgres-only features.
func AnyDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	if os.Getenv("TEST_POSTGRES_DSN") != "" {
		return DB(tb)
	}
	return SQLiteDB(tb)
}

func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}

// Must fails the test on err. Keeps arrange blocks flat.
func Must(tb testing.TB, err error) {
	tb.Helper()
	if err != nil {
		tb.Fatalf("unexpected error: %v", err)
	}
}
