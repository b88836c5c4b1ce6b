package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryRegisterDedupesByEmail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	d1, err := m.Register(ctx, models.Driver{Name: "A", Email: "A@Example.com"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.SetStatus(ctx, d1.ID, models.DriverOnline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	d2, err := m.Register(ctx, models.Driver{Name: "A again", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if d2.ID != d1.ID {
		t.Fatalf("expected same driver id, got %s vs %s", d2.ID, d1.ID)
	}
	if d2.Status != models.DriverOffline {
		t.Fatalf("re-register should reset to offline, got %s", d2.Status)
	}
}

func TestMemoryListOnlineKeepsRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var ids []string
	for _, email := range []string{"a@x", "b@x", "c@x"} {
		d, _ := m.Register(ctx, models.Driver{Email: email})
		_ = m.SetStatus(ctx, d.ID, models.DriverOnline)
		ids = append(ids, d.ID)
	}
	_, _ = m.TouchLiveness(ctx, ids[2], &models.Coord{Lat: 1, Lon: 1}, time.Now())

	online, _ := m.ListOnline(ctx)
	if len(online) != 3 {
		t.Fatalf("expected 3 online, got %d", len(online))
	}
	for i := range ids {
		if online[i].ID != ids[i] {
			t.Fatalf("position %d: got %s want %s", i, online[i].ID, ids[i])
		}
	}
	located, _ := m.ListOnlineWithLocation(ctx)
	if len(located) != 1 || located[0].ID != ids[2] {
		t.Fatalf("expected only the located driver, got %+v", located)
	}
}

func TestMemoryCompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	d, _ := m.Register(ctx, models.Driver{Email: "cas@x"})
	_ = m.SetStatus(ctx, d.ID, models.DriverOnline)

	const attempts = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := m.CompareAndSetStatus(ctx, d.ID, models.DriverOnline, models.DriverOnTrip)
			if err != nil {
				t.Errorf("cas: %v", err)
			}
			wins <- ok
		}()
	}
	close(start)
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
	if _, err := m.CompareAndSetStatus(ctx, "missing", models.DriverOnline, models.DriverOnTrip); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemorySweepExpiredSparesOnTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	stale, _ := m.Register(ctx, models.Driver{Email: "stale@x"})
	fresh, _ := m.Register(ctx, models.Driver{Email: "fresh@x"})
	busy, _ := m.Register(ctx, models.Driver{Email: "busy@x"})
	now := time.Now()
	for _, id := range []string{stale.ID, fresh.ID} {
		_ = m.SetStatus(ctx, id, models.DriverOnline)
	}
	_ = m.SetStatus(ctx, busy.ID, models.DriverOnTrip)
	_, _ = m.TouchLiveness(ctx, stale.ID, nil, now.Add(-time.Minute))
	_, _ = m.TouchLiveness(ctx, busy.ID, nil, now.Add(-time.Minute))
	_, _ = m.TouchLiveness(ctx, fresh.ID, nil, now)

	expired, err := m.SweepExpired(ctx, 15*time.Second, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0] != stale.ID {
		t.Fatalf("expected only stale driver expired, got %v", expired)
	}
	got, _ := m.Get(ctx, busy.ID)
	if got.Status != models.DriverOnTrip {
		t.Fatalf("on_trip driver must not be swept, got %s", got.Status)
	}
}
