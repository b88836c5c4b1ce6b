package storage

import (
	"context"
	"os"
	"testing"
)

func setupPostgres(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set; skipping postgres-backed store tests")
	}
	ps, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	script, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	ctx := context.Background()
	if err := ps.Migrate(ctx, string(script)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := ps.db.ExecContext(ctx, `TRUNCATE coupon_redemptions, merchant_coupons, merchants,
		user_coupons, coupons, ride_requests, rides`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return ps
}

func TestPostgresStore(t *testing.T) {
	storeContract(t, setupPostgres)
}
