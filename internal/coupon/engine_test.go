package coupon

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore) {
	t.Helper()
	st := storage.NewMemoryStore()
	return NewEngine(st, logging.Discard()), st
}

func ptrF(v float64) *float64 { return &v }
func ptrI(v int) *int         { return &v }

func mustCreate(t *testing.T, e *Engine, c models.Coupon) models.Coupon {
	t.Helper()
	if c.ValidUntil.IsZero() {
		c.ValidUntil = time.Now().Add(24 * time.Hour)
	}
	out, err := e.Create(context.Background(), c)
	if err != nil {
		t.Fatalf("create coupon %s: %v", c.Code, err)
	}
	return out
}

func TestCheckMinimumFare(t *testing.T) {
	e, _ := newTestEngine(t)
	mustCreate(t, e, models.Coupon{Code: "FLAT100", DiscountType: models.DiscountFlat, DiscountValue: 100, MinFare: 500})

	ev, err := e.Evaluate(context.Background(), "u1", "FLAT100", 100, "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ev.Valid || ev.Discount != 0 || ev.FinalFare != 100 {
		t.Fatalf("expected invalid with no discount, got %+v", ev)
	}
	if !strings.Contains(ev.Reason, "minimum fare") {
		t.Fatalf("reason should cite minimum fare, got %q", ev.Reason)
	}
}

func TestPercentageCappedAtMaxDiscount(t *testing.T) {
	e, _ := newTestEngine(t)
	mustCreate(t, e, models.Coupon{Code: "PCT20", DiscountType: models.DiscountPercentage, DiscountValue: 20, MaxDiscount: ptrF(200)})

	ev, err := e.Evaluate(context.Background(), "u1", "pct20", 2000, "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ev.Valid || ev.Discount != 200 || ev.FinalFare != 1800 {
		t.Fatalf("expected 200 off 2000, got %+v", ev)
	}
}

func TestPerUserLimit(t *testing.T) {
	e, st := newTestEngine(t)
	c := mustCreate(t, e, models.Coupon{Code: "ONCE", DiscountType: models.DiscountFlat, DiscountValue: 10, PerUserLimit: 1})
	ctx := context.Background()

	if ev, _ := e.Evaluate(ctx, "u1", "ONCE", 100, ""); !ev.Valid {
		t.Fatalf("first use should be valid, got %+v", ev)
	}
	ev, _ := e.Evaluate(ctx, "u1", "ONCE", 100, "")
	if ev.Valid || ev.Reason != reasonAlreadyUsed {
		t.Fatalf("second use should be rejected as already used, got %+v", ev)
	}
	u, _ := st.GetOrCreateUsage(ctx, "u1", c.ID, time.Now())
	if u.UsageCount != 1 {
		t.Fatalf("usage must not exceed per-user limit, got %d", u.UsageCount)
	}
	if ev, _ := e.Evaluate(ctx, "u2", "ONCE", 100, ""); !ev.Valid {
		t.Fatalf("another user should still be able to use it, got %+v", ev)
	}
}

// staleUsageStore reports a zero usage record, as seen by a caller that
// checked just before a concurrent redemption by the same user.
type staleUsageStore struct{ *storage.MemoryStore }

func (s staleUsageStore) GetOrCreateUsage(_ context.Context, userID, couponID string, now time.Time) (models.UserCouponUsage, error) {
	return models.UserCouponUsage{UserID: userID, CouponID: couponID, AssignedAt: now}, nil
}

func TestLostPerUserRaceReportsAlreadyUsed(t *testing.T) {
	st := storage.NewMemoryStore()
	e := NewEngine(staleUsageStore{st}, logging.Discard())
	mustCreate(t, e, models.Coupon{Code: "ONCE", DiscountType: models.DiscountFlat, DiscountValue: 10, PerUserLimit: 1, TotalUsageLimit: ptrI(10)})
	ctx := context.Background()

	if ev, _ := e.Evaluate(ctx, "u1", "ONCE", 100, ""); !ev.Valid {
		t.Fatalf("first use should be valid, got %+v", ev)
	}
	ev, err := e.Evaluate(ctx, "u1", "ONCE", 100, "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ev.Valid || ev.Reason != reasonAlreadyUsed {
		t.Fatalf("per-user cap hit at reservation should read as already used, got %+v", ev)
	}
}

func TestReleaseReturnsUse(t *testing.T) {
	e, st := newTestEngine(t)
	c := mustCreate(t, e, models.Coupon{Code: "BACK", DiscountType: models.DiscountFlat, DiscountValue: 10, PerUserLimit: 1})
	ctx := context.Background()

	if ev, _ := e.Evaluate(ctx, "u1", "BACK", 100, ""); !ev.Valid {
		t.Fatalf("first use should be valid, got %+v", ev)
	}
	if err := e.Release(ctx, "u1", c.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := st.GetCouponByCode(ctx, "BACK")
	if got.UsageCount != 0 {
		t.Fatalf("release should return the use, got %d", got.UsageCount)
	}
	if ev, _ := e.Evaluate(ctx, "u1", "BACK", 100, ""); !ev.Valid {
		t.Fatalf("released coupon should be usable again, got %+v", ev)
	}
	if err := e.Release(ctx, "u1", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCheckDoesNotReserve(t *testing.T) {
	e, st := newTestEngine(t)
	mustCreate(t, e, models.Coupon{Code: "PEEK", DiscountType: models.DiscountFlat, DiscountValue: 10})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if ev, _ := e.Check(ctx, "u1", "PEEK", 100, ""); !ev.Valid {
			t.Fatalf("check %d should be valid, got %+v", i, ev)
		}
	}
	c, _ := st.GetCouponByCode(ctx, "PEEK")
	if c.UsageCount != 0 {
		t.Fatalf("check must not consume usage, got %d", c.UsageCount)
	}
}

func TestValidationOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.now = func() time.Time { return now }
	mustCreate(t, e, models.Coupon{Code: "ZONED", DiscountType: models.DiscountFlat, DiscountValue: 10, Zone: "Delhi"})
	mustCreate(t, e, models.Coupon{Code: "CAPPED", DiscountType: models.DiscountFlat, DiscountValue: 10, TotalUsageLimit: ptrI(1)})
	mustCreate(t, e, models.Coupon{Code: "SOON", DiscountType: models.DiscountFlat, DiscountValue: 10, ValidFrom: now.Add(time.Hour), ValidUntil: now.Add(2 * time.Hour)})
	mustCreate(t, e, models.Coupon{Code: "OLD", DiscountType: models.DiscountFlat, DiscountValue: 10, ValidFrom: now.Add(-2 * time.Hour), ValidUntil: now.Add(time.Hour)})
	if ev, _ := e.Evaluate(ctx, "other", "CAPPED", 100, ""); !ev.Valid {
		t.Fatalf("first capped use should pass, got %+v", ev)
	}

	cases := []struct {
		name     string
		code     string
		location string
		at       time.Time
		reason   string
	}{
		{"unknown code", "NOPE", "", now, reasonInvalidCode},
		{"zone mismatch", "ZONED", "Mumbai, MH", now, "coupon valid only in Delhi"},
		{"zone without location", "ZONED", "", now, ""},
		{"zone substring match", "ZONED", "connaught place, new delhi", now, ""},
		{"total cap", "CAPPED", "", now, reasonUsageLimit},
		{"not started", "SOON", "", now, reasonNotStarted},
		{"expired", "OLD", "", now.Add(2 * time.Hour), reasonExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e.now = func() time.Time { return tc.at }
			ev, err := e.Check(ctx, "u1", tc.code, 100, tc.location)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if tc.reason == "" {
				if !ev.Valid {
					t.Fatalf("expected valid, got %+v", ev)
				}
				return
			}
			if ev.Valid || ev.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %+v", tc.reason, ev)
			}
		})
	}
}

func TestDiscountBounds(t *testing.T) {
	cases := []struct {
		name  string
		kind  models.DiscountType
		value float64
		max   *float64
		fare  float64
		want  float64
	}{
		{"flat under fare", models.DiscountFlat, 50, nil, 200, 50},
		{"flat over fare", models.DiscountFlat, 500, nil, 200, 200},
		{"percent uncapped", models.DiscountPercentage, 10, nil, 250, 25},
		{"percent zero cap ignored", models.DiscountPercentage, 10, ptrF(0), 250, 25},
		{"percent capped", models.DiscountPercentage, 50, ptrF(30), 100, 30},
		{"full percentage", models.DiscountPercentage, 100, nil, 80, 80},
		{"zero fare", models.DiscountFlat, 10, nil, 0, 0},
	}
	for _, tc := range cases {
		got := Discount(tc.kind, tc.value, tc.max, tc.fare)
		if got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
		if got < 0 || got > tc.fare {
			t.Errorf("%s: discount %v outside [0, %v]", tc.name, got, tc.fare)
		}
	}
}

func TestAvailableFiltersExhausted(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, e, models.Coupon{Code: "A", DiscountType: models.DiscountFlat, DiscountValue: 5, PerUserLimit: 2})
	mustCreate(t, e, models.Coupon{Code: "B", DiscountType: models.DiscountFlat, DiscountValue: 5})
	mustCreate(t, e, models.Coupon{Code: "GOA", DiscountType: models.DiscountFlat, DiscountValue: 5, Zone: "goa"})
	_, _ = e.Evaluate(ctx, "u1", "B", 100, "")
	_, _ = e.Evaluate(ctx, "u1", "A", 100, "")

	list, err := e.Available(ctx, "u1", "Delhi")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(list) != 1 || list[0].Code != "A" || list[0].UserUsage != 1 || list[0].RemainingUse != 1 {
		t.Fatalf("unexpected available coupons: %+v", list)
	}
}

func TestCreateRejectsBadDefinitions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	bad := []models.Coupon{
		{Code: "", DiscountType: models.DiscountFlat, DiscountValue: 1, ValidUntil: future},
		{Code: "X", DiscountType: "bogus", DiscountValue: 1, ValidUntil: future},
		{Code: "X", DiscountType: models.DiscountPercentage, DiscountValue: 150, ValidUntil: future},
		{Code: "X", DiscountType: models.DiscountFlat, DiscountValue: 0, ValidUntil: future},
		{Code: "X", DiscountType: models.DiscountFlat, DiscountValue: 1},
	}
	for i, c := range bad {
		if _, err := e.Create(ctx, c); !errors.Is(err, ErrInvalid) {
			t.Errorf("case %d: expected ErrInvalid, got %v", i, err)
		}
	}
	mustCreate(t, e, models.Coupon{Code: "DUP", DiscountType: models.DiscountFlat, DiscountValue: 1})
	if _, err := e.Create(ctx, models.Coupon{Code: "dup", DiscountType: models.DiscountFlat, DiscountValue: 1, ValidUntil: future}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("duplicate code should be rejected, got %v", err)
	}
}
