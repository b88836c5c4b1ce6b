package matcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func (e *Engine) rideView(r *models.Ride) models.RideView {
	return models.RideView{
		RideID:      r.ID,
		RiderID:     r.RiderID,
		DriverID:    r.DriverID,
		Pickup:      r.Pickup,
		Destination: r.Destination,
		PickupLoc:   r.PickupLoc,
		DestLoc:     r.DestLoc,
		Status:      r.Status,
		Handle:      r.Handle,
		Endpoint:    e.endpoint(r.Handle),
		Fare:        r.Fare,
		Discount:    r.Discount,
		FinalFare:   r.FinalFare,
		CreatedAt:   r.CreatedAt,
	}
}

func requestView(rq models.RideRequest, ride *models.Ride) models.RideRequestView {
	return models.RideRequestView{
		RequestID:   rq.ID,
		RideID:      rq.RideID,
		Status:      rq.Status,
		Pickup:      ride.Pickup,
		Destination: ride.Destination,
		PickupLoc:   ride.PickupLoc,
		DistanceKm:  rq.DistanceKm,
		FinalFare:   ride.FinalFare,
		CreatedAt:   rq.CreatedAt,
	}
}

func (e *Engine) GetRide(ctx context.Context, id string) (models.RideView, error) {
	r, err := e.store.GetRide(ctx, id)
	if err != nil {
		return models.RideView{}, mapStoreErr(err)
	}
	return e.rideView(r), nil
}

// ListRides is the full queue in booking order.
func (e *Engine) ListRides(ctx context.Context) ([]models.RideView, error) {
	rides, err := e.store.ListRides(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.RideView, len(rides))
	for i := range rides {
		out[i] = e.rideView(&rides[i])
	}
	return out, nil
}

func (e *Engine) RideByHandle(ctx context.Context, handle int) (models.RideView, error) {
	r, err := e.store.RideByHandle(ctx, handle)
	if err != nil {
		return models.RideView{}, mapStoreErr(err)
	}
	return e.rideView(r), nil
}

// ListPendingRequests returns the driver's open offers on rides that are
// still searching.
func (e *Engine) ListPendingRequests(ctx context.Context, driverID string) ([]models.RideRequestView, error) {
	if _, err := e.driver(ctx, driverID); err != nil {
		return nil, err
	}
	reqs, err := e.store.ListPendingRequestsByDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("pending requests of %s: %w", driverID, err)
	}
	out := make([]models.RideRequestView, 0, len(reqs))
	for _, rq := range reqs {
		ride, err := e.store.GetRide(ctx, rq.RideID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ride.Status != models.RideSearching {
			continue
		}
		out = append(out, requestView(rq, ride))
	}
	return out, nil
}
