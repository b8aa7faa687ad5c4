package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kalbot-project/backend/internal/config"
	"github.com/kalbot-project/backend/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func openMemory(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := Open(sqlite.Open(":memory:"), "test")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

func TestClassifyUndefinedTable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"postgres 42P01", fmt.Errorf("query: %w", &pgconn.PgError{Code: "42P01", Message: `relation "markets" does not exist`}), true},
		{"sqlite no such table", errors.New("no such table: markets"), true},
		{"other postgres error", &pgconn.PgError{Code: "23505"}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(Classify(tt.err), ErrSchemaMissing)
			if got != tt.want {
				t.Fatalf("Classify(%v) schema missing = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&pgconn.PgError{Code: "40P01"}) {
		t.Fatal("deadlock should be retryable")
	}
	if IsRetryable(errors.New("boom")) {
		t.Fatal("plain error should not be retryable")
	}
}

func TestWithRetryStopsOnPlainError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 5, func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one call and an error, got %d calls, err=%v", calls, err)
	}
}

func TestWithRetryRetriesDeadlocks(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second call, got %d calls, err=%v", calls, err)
	}
}

func TestMigrateEnforcesOneOpenPosition(t *testing.T) {
	gdb := openMemory(t)
	if err := Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	newPosition := func() *models.Position {
		return &models.Position{
			MarketTicker:  "KXLOWTNYC-26FEB16-T40",
			ExecutionMode: "paper",
			Side:          models.SideYes,
			Contracts:     5,
			EntryPrice:    decimal.RequireFromString("0.41"),
			Status:        models.PositionStatusOpen,
			OpenedAt:      now,
		}
	}

	if err := gdb.Create(newPosition()).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := gdb.Create(newPosition()).Error
	if !IsDuplicate(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	closed := newPosition()
	closed.Status = models.PositionStatusClosed
	if err := gdb.Create(closed).Error; err != nil {
		t.Fatalf("closed position should not collide: %v", err)
	}
}

func TestMissingSchemaIsClassified(t *testing.T) {
	gdb := openMemory(t)
	var markets []models.Market
	err := Classify(gdb.Find(&markets).Error)
	if !errors.Is(err, ErrSchemaMissing) {
		t.Fatalf("expected ErrSchemaMissing, got %v", err)
	}
}

func TestConnectRedisOrEmbedded(t *testing.T) {
	cfg := config.Defaults()
	cfg.Redis.URL = ""

	client, cleanup, err := ConnectRedisOrEmbedded(context.Background(), cfg)
	if err != nil {
		t.Fatalf("embedded redis: %v", err)
	}
	defer cleanup()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}
