package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

func setupRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set; skipping redis-backed registry tests")
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := c.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return NewRedis(c, "test_drivers_geo")
}

func TestRedisPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	r := setupRedis(t)

	d, err := r.Register(ctx, models.Driver{Name: "R", Email: "r@x"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetStatus(ctx, d.ID, models.DriverOnline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	loc := &models.Coord{Lat: 28.6315, Lon: 77.2167}
	if _, err := r.TouchLiveness(ctx, d.ID, loc, time.Now()); err != nil {
		t.Fatalf("touch: %v", err)
	}

	near, err := r.NearbyOnline(ctx, *loc, 1)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(near) != 1 || near[0].ID != d.ID {
		t.Fatalf("expected driver nearby, got %+v", near)
	}

	ok, err := r.CompareAndSetStatus(ctx, d.ID, models.DriverOnline, models.DriverOnTrip)
	if err != nil || !ok {
		t.Fatalf("cas online->on_trip: ok=%v err=%v", ok, err)
	}
	ok, _ = r.CompareAndSetStatus(ctx, d.ID, models.DriverOnline, models.DriverOnTrip)
	if ok {
		t.Fatalf("second cas must fail")
	}

	_ = r.SetStatus(ctx, d.ID, models.DriverOnline)
	_, _ = r.TouchLiveness(ctx, d.ID, nil, time.Now().Add(-time.Minute))
	expired, err := r.SweepExpired(ctx, 15*time.Second, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired, got %v", expired)
	}
}
