package matcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Assignment is returned to the driver whose acceptance won the ride.
type Assignment struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
	Handle   int    `json:"handle"`
	Endpoint string `json:"endpoint"`
}

// pendingRequest loads a request owned by driverID, hiding other drivers'
// requests behind ErrNotFound.
func (e *Engine) pendingRequest(ctx context.Context, requestID, driverID string) (*models.RideRequest, error) {
	rq, err := e.store.GetRequest(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && rq.DriverID != driverID) {
		return nil, fmt.Errorf("request %s for driver %s: %w", requestID, driverID, ErrNotFound)
	}
	return rq, err
}

// AcceptRequest settles a driver's acceptance. Exactly one acceptance wins a
// ride; every other pending request of that ride is expired with it and
// later callers get ErrRideUnavailable.
func (e *Engine) AcceptRequest(ctx context.Context, requestID, driverID string) (Assignment, error) {
	rq, err := e.pendingRequest(ctx, requestID, driverID)
	if err != nil {
		return Assignment{}, err
	}
	unlock := e.locks.Lock(rq.RideID)
	defer unlock()

	ride, err := e.store.GetRide(ctx, rq.RideID)
	if err != nil {
		return Assignment{}, mapStoreErr(err)
	}
	if ride.Status != models.RideSearching {
		observability.AcceptConflicts.Inc()
		return Assignment{}, fmt.Errorf("ride %s is %s: %w", ride.ID, ride.Status, ErrRideUnavailable)
	}
	if rq, err = e.store.GetRequest(ctx, requestID); err != nil {
		return Assignment{}, mapStoreErr(err)
	}
	if rq.Status != models.RequestPending {
		return Assignment{}, fmt.Errorf("request %s is %s: %w", requestID, rq.Status, ErrNotFound)
	}

	handle, err := e.ports.Acquire()
	if err != nil {
		observability.HandleExhausted.Inc()
		return Assignment{}, fmt.Errorf("acquire handle for ride %s: %w", ride.ID, err)
	}
	ok, err := e.drivers.CompareAndSetStatus(ctx, driverID, models.DriverOnline, models.DriverOnTrip)
	if err != nil || !ok {
		e.releaseHandle(handle)
		if errors.Is(err, registry.ErrNotFound) {
			return Assignment{}, fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
		}
		if err != nil {
			return Assignment{}, fmt.Errorf("claim driver %s: %w", driverID, err)
		}
		observability.AcceptConflicts.Inc()
		return Assignment{}, fmt.Errorf("driver %s: %w", driverID, ErrDriverUnavailable)
	}

	assigned, err := e.store.AcceptRequest(ctx, requestID, driverID, handle, e.now())
	if err != nil {
		e.releaseHandle(handle)
		e.unclaimDriver(ctx, driverID)
		if errors.Is(err, storage.ErrConflict) {
			observability.AcceptConflicts.Inc()
			return Assignment{}, fmt.Errorf("ride %s: %w", rq.RideID, ErrRideUnavailable)
		}
		return Assignment{}, mapStoreErr(err)
	}
	observability.HandlesInUse.Set(float64(e.ports.InUse()))
	observability.RideRequests.WithLabelValues(string(models.RequestAccepted)).Inc()
	e.timers.Cancel(expiryKey(assigned.ID))
	e.startTrip(ctx, assigned)

	return Assignment{
		RideID:   assigned.ID,
		DriverID: driverID,
		Handle:   handle,
		Endpoint: e.endpoint(handle),
	}, nil
}

// startTrip provisions the ride's sandbox and arms its completion timer.
// Provisioning failures are logged; the assignment stands.
func (e *Engine) startTrip(ctx context.Context, ride *models.Ride) {
	if err := e.sandbox.Provision(ctx, ride.ID, ride.Handle); err != nil {
		observability.ProvisionErrors.Inc()
		e.logger.Warn("sandbox provisioning failed", "ride_id", ride.ID, "handle", ride.Handle, "error", err)
	}
	id := ride.ID
	e.timers.Schedule(completionKey(id), e.opts.TripDuration, func() { e.completeRide(id) })
	e.publish(ctx, events.Event{Type: events.RideAssigned, RideID: ride.ID, DriverID: ride.DriverID, Status: ride.Status, Handle: ride.Handle})
	e.logger.Info("ride assigned", "ride_id", ride.ID, "driver_id", ride.DriverID, "handle", ride.Handle)
}

type RejectResult struct {
	RequestID  string            `json:"request_id"`
	RideID     string            `json:"ride_id"`
	RideStatus models.RideStatus `json:"ride_status"`
}

// RejectRequest marks the driver's request rejected. The ride gives up with
// no_drivers once none of its requests can still be accepted.
func (e *Engine) RejectRequest(ctx context.Context, requestID, driverID string) (RejectResult, error) {
	rq, err := e.pendingRequest(ctx, requestID, driverID)
	if err != nil {
		return RejectResult{}, err
	}
	unlock := e.locks.Lock(rq.RideID)
	defer unlock()

	ride, err := e.store.RejectRequest(ctx, requestID, driverID, e.now())
	if err != nil {
		return RejectResult{}, mapStoreErr(err)
	}
	observability.RideRequests.WithLabelValues(string(models.RequestRejected)).Inc()
	if ride.Status == models.RideNoDrivers {
		e.timers.Cancel(expiryKey(ride.ID))
		e.publish(ctx, events.Event{Type: events.RideNoDrivers, RideID: ride.ID, Status: ride.Status})
		e.logger.Info("every driver declined", "ride_id", ride.ID)
	}
	return RejectResult{RequestID: requestID, RideID: ride.ID, RideStatus: ride.Status}, nil
}

// expireRequests runs when a fanout's request timeout elapses.
func (e *Engine) expireRequests(rideID string) {
	ctx := context.Background()
	unlock := e.locks.Lock(rideID)
	defer unlock()

	before, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		e.logger.Warn("request expiry: ride lookup failed", "ride_id", rideID, "error", err)
		return
	}
	ride, n, err := e.store.ExpirePendingRequests(ctx, rideID, e.now())
	if err != nil {
		e.logger.Warn("request expiry failed", "ride_id", rideID, "error", err)
		return
	}
	observability.RideRequests.WithLabelValues(string(models.RequestExpired)).Add(float64(n))
	if before.Status == models.RideSearching && ride.Status == models.RideNoDrivers {
		e.publish(ctx, events.Event{Type: events.RideNoDrivers, RideID: rideID, Status: ride.Status})
		e.logger.Info("ride requests timed out", "ride_id", rideID, "expired", n)
	}
}

func (e *Engine) endpoint(handle int) string {
	if handle == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", e.opts.EndpointHost, handle)
}
