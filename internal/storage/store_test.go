package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// storeContract exercises behaviour every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AcceptExpiresSiblings", func(t *testing.T) { testAcceptExpiresSiblings(t, newStore(t)) })
	t.Run("ConcurrentAcceptSingleWinner", func(t *testing.T) { testConcurrentAccept(t, newStore(t)) })
	t.Run("RejectAllMovesToNoDrivers", func(t *testing.T) { testRejectAll(t, newStore(t)) })
	t.Run("ExpirePending", func(t *testing.T) { testExpirePending(t, newStore(t)) })
	t.Run("CompleteClearsHandle", func(t *testing.T) { testCompleteClearsHandle(t, newStore(t)) })
	t.Run("CouponCaps", func(t *testing.T) { testCouponCaps(t, newStore(t)) })
	t.Run("MerchantRedemption", func(t *testing.T) { testMerchantRedemption(t, newStore(t)) })
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func seedRide(t *testing.T, s Store, status models.RideStatus, drivers ...string) (*models.Ride, []models.RideRequest) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	r := &models.Ride{
		ID: uuid.NewString(), RiderID: "rider-1", Pickup: "A", Destination: "B",
		Status: status, Fare: 100, FinalFare: 100, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateRide(ctx, r); err != nil {
		t.Fatalf("create ride: %v", err)
	}
	reqs := make([]models.RideRequest, 0, len(drivers))
	for i, d := range drivers {
		reqs = append(reqs, models.RideRequest{
			ID: uuid.NewString(), RideID: r.ID, DriverID: d, Status: models.RequestPending,
			DistanceKm: float64(i), CreatedAt: now,
		})
	}
	if len(reqs) > 0 {
		if err := s.CreateRequests(ctx, reqs); err != nil {
			t.Fatalf("create requests: %v", err)
		}
	}
	return r, reqs
}

func testAcceptExpiresSiblings(t *testing.T, s Store) {
	ctx := context.Background()
	r, reqs := seedRide(t, s, models.RideSearching, "d1", "d2", "d3")

	if _, err := s.AcceptRequest(ctx, reqs[0].ID, "d2", 7000, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong driver must be ErrNotFound, got %v", err)
	}
	got, err := s.AcceptRequest(ctx, reqs[1].ID, "d2", 7000, time.Now())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != models.RideAssigned || got.DriverID != "d2" || got.Handle != 7000 {
		t.Fatalf("unexpected ride after accept: %+v", got)
	}
	list, _ := s.ListRequestsByRide(ctx, r.ID)
	want := map[string]models.RequestStatus{reqs[0].ID: models.RequestExpired, reqs[1].ID: models.RequestAccepted, reqs[2].ID: models.RequestExpired}
	for _, rq := range list {
		if rq.Status != want[rq.ID] {
			t.Fatalf("request %s: got %s want %s", rq.ID, rq.Status, want[rq.ID])
		}
		if rq.RespondedAt == nil {
			t.Fatalf("request %s missing responded_at", rq.ID)
		}
	}
	if _, err := s.AcceptRequest(ctx, reqs[2].ID, "d3", 7001, time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("late accept must conflict, got %v", err)
	}
	byHandle, err := s.RideByHandle(ctx, 7000)
	if err != nil || byHandle.ID != r.ID {
		t.Fatalf("ride by handle: %v %+v", err, byHandle)
	}
	active, err := s.ActiveRideByDriver(ctx, "d2")
	if err != nil || active.ID != r.ID {
		t.Fatalf("active ride by driver: %v %+v", err, active)
	}
}

func testConcurrentAccept(t *testing.T, s Store) {
	ctx := context.Background()
	drivers := make([]string, 6)
	for i := range drivers {
		drivers[i] = fmt.Sprintf("drv-%d", i)
	}
	r, reqs := seedRide(t, s, models.RideSearching, drivers...)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, len(reqs))
	for i, rq := range reqs {
		wg.Add(1)
		go func(rq models.RideRequest, handle int) {
			defer wg.Done()
			<-start
			_, err := s.AcceptRequest(ctx, rq.ID, rq.DriverID, handle, time.Now())
			errs <- err
		}(rq, 7000+i)
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
	list, _ := s.ListRequestsByRide(ctx, r.ID)
	accepted, expired := 0, 0
	for _, rq := range list {
		switch rq.Status {
		case models.RequestAccepted:
			accepted++
		case models.RequestExpired:
			expired++
		}
	}
	if accepted != 1 || expired != len(reqs)-1 {
		t.Fatalf("accepted=%d expired=%d", accepted, expired)
	}
}

func testRejectAll(t *testing.T, s Store) {
	ctx := context.Background()
	_, reqs := seedRide(t, s, models.RideSearching, "d1", "d2")
	r, err := s.RejectRequest(ctx, reqs[0].ID, "d1", time.Now())
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if r.Status != models.RideSearching {
		t.Fatalf("one pending request left, ride should stay searching, got %s", r.Status)
	}
	if _, err := s.RejectRequest(ctx, reqs[0].ID, "d1", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double reject must be ErrNotFound, got %v", err)
	}
	r, err = s.RejectRequest(ctx, reqs[1].ID, "d2", time.Now())
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if r.Status != models.RideNoDrivers {
		t.Fatalf("expected no_drivers, got %s", r.Status)
	}
}

func testExpirePending(t *testing.T, s Store) {
	ctx := context.Background()
	r, reqs := seedRide(t, s, models.RideSearching, "d1", "d2")
	if _, err := s.RejectRequest(ctx, reqs[0].ID, "d1", time.Now()); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, n, err := s.ExpirePendingRequests(ctx, r.ID, time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 || got.Status != models.RideNoDrivers {
		t.Fatalf("expected 1 expired and no_drivers, got %d %s", n, got.Status)
	}
	pending, _ := s.ListPendingRequestsByDriver(ctx, "d2")
	if len(pending) != 0 {
		t.Fatalf("expected no pending requests, got %d", len(pending))
	}
}

func testCompleteClearsHandle(t *testing.T, s Store) {
	ctx := context.Background()
	r, _ := seedRide(t, s, models.RidePending)
	if _, err := s.AssignRide(ctx, r.ID, models.RideSearching, "d1", 7005, time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("assign from wrong status must conflict, got %v", err)
	}
	if _, err := s.AssignRide(ctx, r.ID, models.RidePending, "d1", 7005, time.Now()); err != nil {
		t.Fatalf("assign: %v", err)
	}
	done, err := s.CompleteRide(ctx, r.ID, time.Now())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.RideCompleted || done.Handle != 0 || done.CompletedAt == nil {
		t.Fatalf("unexpected completed ride: %+v", done)
	}
	if _, err := s.CompleteRide(ctx, r.ID, time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("second completion must conflict, got %v", err)
	}
	if _, err := s.RideByHandle(ctx, 7005); !errors.Is(err, ErrNotFound) {
		t.Fatalf("handle must be free after completion, got %v", err)
	}
	if _, err := s.GetRide(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCouponCaps(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	total := 2
	c := &models.Coupon{
		ID: uuid.NewString(), Code: "save" + uuid.NewString()[:6], DiscountType: models.DiscountFlat,
		DiscountValue: 50, ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour),
		TotalUsageLimit: &total, PerUserLimit: 1, Active: true, CreatedAt: now,
	}
	if err := s.CreateCoupon(ctx, c); err != nil {
		t.Fatalf("create coupon: %v", err)
	}
	if err := s.CreateCoupon(ctx, &models.Coupon{ID: uuid.NewString(), Code: c.Code, CreatedAt: now}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate code must conflict, got %v", err)
	}
	got, err := s.GetCouponByCode(ctx, c.Code)
	if err != nil || got.ID != c.ID {
		t.Fatalf("lookup by code: %v %+v", err, got)
	}
	u, err := s.GetOrCreateUsage(ctx, "u1", c.ID, now)
	if err != nil || u.UsageCount != 0 {
		t.Fatalf("lazy usage: %v %+v", err, u)
	}
	if err := s.RedeemCoupon(ctx, "u1", c.ID, now); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if err := s.RedeemCoupon(ctx, "u1", c.ID, now); !errors.Is(err, ErrUserLimitReached) {
		t.Fatalf("per-user cap: got %v", err)
	}
	if err := s.RedeemCoupon(ctx, "u2", c.ID, now); err != nil {
		t.Fatalf("redeem u2: %v", err)
	}
	if err := s.RedeemCoupon(ctx, "u3", c.ID, now); !errors.Is(err, ErrLimitReached) || errors.Is(err, ErrUserLimitReached) {
		t.Fatalf("total cap: got %v", err)
	}
	got, _ = s.GetCouponByCode(ctx, c.Code)
	if got.UsageCount != total {
		t.Fatalf("usage count %d, want %d", got.UsageCount, total)
	}

	if err := s.ReleaseCoupon(ctx, "u1", c.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ = s.GetCouponByCode(ctx, c.Code)
	if u, _ := s.GetOrCreateUsage(ctx, "u1", c.ID, now); got.UsageCount != total-1 || u.UsageCount != 0 {
		t.Fatalf("release should undo one use, got total=%d user=%d", got.UsageCount, u.UsageCount)
	}
	if err := s.RedeemCoupon(ctx, "u1", c.ID, now); err != nil {
		t.Fatalf("redeem after release: %v", err)
	}
	if err := s.ReleaseCoupon(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("release of unknown coupon: got %v", err)
	}
}

func testMerchantRedemption(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	m := &models.Merchant{ID: uuid.NewString(), Name: "Cafe", Loc: models.Coord{Lat: 28.6, Lon: 77.2}, Active: true, CreatedAt: now}
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatalf("create merchant: %v", err)
	}
	limit := 1
	mc := &models.MerchantCoupon{
		ID: uuid.NewString(), MerchantID: m.ID, Code: "CAFE10", DiscountType: models.DiscountPercentage,
		DiscountValue: 10, ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour),
		UsageLimit: &limit, RadiusKm: 0.5, Active: true, CreatedAt: now,
	}
	if err := s.CreateMerchantCoupon(ctx, mc); err != nil {
		t.Fatalf("create merchant coupon: %v", err)
	}
	offers, _ := s.ListActiveMerchantOffers(ctx)
	if len(offers) != 1 || offers[0].Merchant.ID != m.ID {
		t.Fatalf("unexpected offers: %+v", offers)
	}
	red := &models.CouponRedemption{ID: uuid.NewString(), UserID: "u1", MerchantCouponID: mc.ID, RideID: "r1", RedeemedAt: now}
	if err := s.RedeemMerchantCoupon(ctx, red); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if ok, _ := s.HasRedeemed(ctx, "u1", mc.ID); !ok {
		t.Fatal("expected redemption recorded")
	}
	red.ID = uuid.NewString()
	if err := s.RedeemMerchantCoupon(ctx, red); !errors.Is(err, ErrConflict) {
		t.Fatalf("second redemption by same user: got %v", err)
	}
	other := &models.CouponRedemption{ID: uuid.NewString(), UserID: "u2", MerchantCouponID: mc.ID, RideID: "r2", RedeemedAt: now}
	if err := s.RedeemMerchantCoupon(ctx, other); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("usage limit: got %v", err)
	}

	r, _ := seedRide(t, s, models.RidePending)
	_, _ = s.AssignRide(ctx, r.ID, models.RidePending, "d1", 0, now)
	_, _ = s.CompleteRide(ctx, r.ID, now)
	st, err := s.RiderStats(ctx, "rider-1")
	if err != nil || st.CompletedRides < 1 || st.TotalSpent < 100 {
		t.Fatalf("rider stats: %v %+v", err, st)
	}
}
