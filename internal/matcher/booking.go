package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type BookRequest struct {
	RiderID     string        `json:"rider_id"`
	Pickup      string        `json:"pickup"`
	Destination string        `json:"destination"`
	PickupLoc   *models.Coord `json:"pickup_loc,omitempty"`
	DestLoc     *models.Coord `json:"dest_loc,omitempty"`
	CouponCode  string        `json:"coupon_code,omitempty"`
}

type BookingResult struct {
	RideID            string            `json:"ride_id"`
	Status            models.RideStatus `json:"status"`
	NearbyDriverCount int               `json:"nearby_driver_count"`
	Fare              float64           `json:"fare"`
	Discount          float64           `json:"discount"`
	FinalFare         float64           `json:"final_fare"`
	CouponApplied     bool              `json:"coupon_applied"`
	CouponReason      string            `json:"coupon_reason,omitempty"`
}

// BookRide creates a ride. With pickup coordinates the ride is searching and
// every online driver within the service radius gets a pending request;
// without them the ride is pending and goes to the first free driver.
func (e *Engine) BookRide(ctx context.Context, req BookRequest) (BookingResult, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	req.RiderID = strings.TrimSpace(req.RiderID)
	if req.RiderID == "" {
		return BookingResult{}, fmt.Errorf("%w: rider_id is required", ErrValidation)
	}

	res := BookingResult{Fare: e.opts.BaseFare, FinalFare: e.opts.BaseFare}
	var couponID string
	if code := strings.TrimSpace(req.CouponCode); code != "" && e.coupons != nil {
		ev, err := e.coupons.Evaluate(ctx, req.RiderID, code, res.Fare, req.Pickup)
		if err != nil {
			return BookingResult{}, fmt.Errorf("evaluate coupon: %w", err)
		}
		if ev.Valid {
			res.Discount = ev.Discount
			res.FinalFare = ev.FinalFare
			res.CouponApplied = true
			couponID = ev.CouponID
		} else {
			res.CouponReason = ev.Reason
		}
	}

	now := e.now()
	ride := &models.Ride{
		ID:          uuid.NewString(),
		RiderID:     req.RiderID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		PickupLoc:   req.PickupLoc,
		DestLoc:     req.DestLoc,
		Status:      models.RidePending,
		Fare:        res.Fare,
		Discount:    res.Discount,
		FinalFare:   res.FinalFare,
		CouponID:    couponID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	mode := "direct"
	if req.PickupLoc != nil {
		ride.Status = models.RideSearching
		mode = "fanout"
	}
	if err := e.store.CreateRide(ctx, ride); err != nil {
		if couponID != "" {
			if rerr := e.coupons.Release(context.WithoutCancel(ctx), req.RiderID, couponID); rerr != nil {
				e.logger.Error("coupon reserved for a ride that was never created", "rider_id", req.RiderID, "coupon_id", couponID, "error", rerr)
			}
		}
		return BookingResult{}, fmt.Errorf("create ride: %w", err)
	}
	res.RideID = ride.ID
	e.publish(ctx, events.Event{Type: events.RideBooked, RideID: ride.ID, Status: ride.Status})
	e.logger.Info("ride booked", "ride_id", ride.ID, "rider_id", ride.RiderID, "mode", mode, "final_fare", ride.FinalFare)

	var err error
	if mode == "fanout" {
		res.Status, res.NearbyDriverCount, err = e.fanout(ctx, ride)
	} else {
		res.Status, res.NearbyDriverCount, err = e.bookDirect(ctx, ride)
	}
	if err != nil {
		return BookingResult{}, err
	}
	observability.RidesBooked.WithLabelValues(mode, string(res.Status)).Inc()
	return res, nil
}

// candidates returns online drivers within the service radius, closest first.
func (e *Engine) candidates(ctx context.Context, origin models.Coord) ([]geo.Candidate, error) {
	var (
		pool []models.Driver
		err  error
	)
	if ns, ok := e.drivers.(nearbySearcher); ok {
		pool, err = ns.NearbyOnline(ctx, origin, e.opts.ServiceRadiusKm)
	} else {
		pool, err = e.drivers.ListOnlineWithLocation(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	return geo.Nearby(pool, origin, e.opts.ServiceRadiusKm, e.opts.MaxFanout), nil
}

func (e *Engine) fanout(ctx context.Context, ride *models.Ride) (models.RideStatus, int, error) {
	cands, err := e.candidates(ctx, *ride.PickupLoc)
	if err != nil {
		return "", 0, err
	}
	observability.FanoutSize.Observe(float64(len(cands)))
	if len(cands) == 0 {
		if _, err := e.store.TransitionRide(ctx, ride.ID, models.RideSearching, models.RideNoDrivers, e.now()); err != nil {
			return "", 0, fmt.Errorf("mark ride %s no_drivers: %w", ride.ID, err)
		}
		e.publish(ctx, events.Event{Type: events.RideNoDrivers, RideID: ride.ID, Status: models.RideNoDrivers})
		e.logger.Info("no drivers in range", "ride_id", ride.ID, "radius_km", e.opts.ServiceRadiusKm)
		return models.RideNoDrivers, 0, nil
	}

	now := e.now()
	reqs := make([]models.RideRequest, len(cands))
	for i, c := range cands {
		reqs[i] = models.RideRequest{
			ID:         uuid.NewString(),
			RideID:     ride.ID,
			DriverID:   c.Driver.ID,
			Status:     models.RequestPending,
			DistanceKm: c.DistanceKm,
			CreatedAt:  now,
		}
	}
	if err := e.store.CreateRequests(ctx, reqs); err != nil {
		if _, terr := e.store.TransitionRide(ctx, ride.ID, models.RideSearching, models.RideNoDrivers, e.now()); terr != nil {
			e.logger.Error("ride left searching after fanout failure", "ride_id", ride.ID, "error", terr)
		}
		return "", 0, fmt.Errorf("create ride requests: %w", err)
	}
	observability.RideRequests.WithLabelValues(string(models.RequestPending)).Add(float64(len(reqs)))
	e.publish(ctx, events.Event{Type: events.RequestFanout, RideID: ride.ID, Status: models.RideSearching, Candidates: len(reqs)})

	if e.opts.RequestTimeout > 0 {
		id := ride.ID
		e.timers.Schedule(expiryKey(id), e.opts.RequestTimeout, func() { e.expireRequests(id) })
	}
	if e.notify != nil {
		go e.deliverOffers(context.WithoutCancel(ctx), ride, reqs)
	}
	return models.RideSearching, len(reqs), nil
}

func (e *Engine) deliverOffers(ctx context.Context, ride *models.Ride, reqs []models.RideRequest) {
	for _, rq := range reqs {
		if err := e.notify.OfferRequest(ctx, rq.DriverID, requestView(rq, ride)); err != nil {
			e.logger.Debug("offer not pushed", "ride_id", ride.ID, "driver_id", rq.DriverID, "error", err)
		}
	}
}

// bookDirect drains the backlog right away so the new ride either gets the
// first free driver or waits behind earlier pending rides.
func (e *Engine) bookDirect(ctx context.Context, ride *models.Ride) (models.RideStatus, int, error) {
	if _, err := e.DrainBacklog(ctx); err != nil {
		e.logger.Warn("backlog dispatch failed", "ride_id", ride.ID, "error", err)
	}
	cur, err := e.store.GetRide(ctx, ride.ID)
	if err != nil {
		return "", 0, fmt.Errorf("reload ride %s: %w", ride.ID, mapStoreErr(err))
	}
	if cur.Status == models.RideAssigned {
		return cur.Status, 1, nil
	}
	return cur.Status, 0, nil
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return err
}
