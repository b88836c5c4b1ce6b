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

// completeRide fires once per assigned ride after the trip duration. The ride
// and driver are re-read first; either may have changed since the timer was
// armed.
func (e *Engine) completeRide(rideID string) {
	ctx := context.Background()
	unlock := e.locks.Lock(rideID)
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		unlock()
		e.logger.Warn("completion: ride lookup failed", "ride_id", rideID, "error", err)
		return
	}
	if ride.Status != models.RideAssigned {
		unlock()
		e.logger.Debug("completion skipped", "ride_id", rideID, "status", ride.Status)
		return
	}
	handle, driverID := ride.Handle, ride.DriverID

	// The ride is completed before the driver is freed so the driver never
	// shows up with two assigned rides.
	done, err := e.store.CompleteRide(ctx, rideID, e.now())
	if err != nil {
		unlock()
		e.logger.Error("complete ride failed", "ride_id", rideID, "error", err)
		return
	}
	unlockDriver := e.locks.Lock(driverKey(driverID))
	ok, err := e.drivers.CompareAndSetStatus(ctx, driverID, models.DriverOnTrip, models.DriverOnline)
	unlockDriver()
	switch {
	case errors.Is(err, registry.ErrNotFound):
		e.logger.Warn("completion: driver gone", "ride_id", rideID, "driver_id", driverID)
	case err != nil:
		e.logger.Error("completion: free driver failed", "ride_id", rideID, "driver_id", driverID, "error", err)
	case !ok:
		e.logger.Info("driver presence changed during trip, left as is", "ride_id", rideID, "driver_id", driverID)
	}
	e.releaseHandle(handle)
	unlock()

	e.sandbox.Teardown(ctx, rideID, handle)
	observability.RidesCompleted.Inc()
	e.publish(ctx, events.Event{Type: events.RideCompleted, RideID: rideID, DriverID: driverID, Status: done.Status, Handle: handle})
	e.logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID, "handle", handle)
	e.Kick()
}

// Kick asks the backlog loop for a pass. It never blocks; kicks arriving
// while a pass is queued collapse into it.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drains the direct-assign backlog every time a driver may have become
// free, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
			if _, err := e.DrainBacklog(ctx); err != nil {
				e.logger.Warn("backlog pass failed", "error", err)
			}
		}
	}
}

type assignOutcome int

const (
	outcomeAssigned assignOutcome = iota
	outcomeNoDriver
	outcomeNoHandle
	outcomeRideGone
)

// DrainBacklog assigns pending rides to online drivers, earliest booking
// first, until either runs out. It returns the number of rides assigned.
func (e *Engine) DrainBacklog(ctx context.Context) (int, error) {
	e.backlogMu.Lock()
	defer e.backlogMu.Unlock()

	pending, err := e.store.ListRidesByStatus(ctx, models.RidePending)
	if err != nil {
		return 0, fmt.Errorf("list pending rides: %w", err)
	}
	assigned := 0
	for _, r := range pending {
		out, err := e.assignDirect(ctx, r.ID)
		if err != nil {
			return assigned, err
		}
		switch out {
		case outcomeAssigned:
			assigned++
			observability.BacklogAssigned.Inc()
		case outcomeNoDriver, outcomeNoHandle:
			return assigned, nil
		}
	}
	return assigned, nil
}

func (e *Engine) assignDirect(ctx context.Context, rideID string) (assignOutcome, error) {
	unlock := e.locks.Lock(rideID)
	defer unlock()

	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil || ride.Status != models.RidePending {
		return outcomeRideGone, nil
	}
	online, err := e.drivers.ListOnline(ctx)
	if err != nil {
		return outcomeNoDriver, fmt.Errorf("list online drivers: %w", err)
	}
	var driverID string
	for _, d := range online {
		ok, err := e.drivers.CompareAndSetStatus(ctx, d.ID, models.DriverOnline, models.DriverOnTrip)
		if err != nil {
			e.logger.Warn("claim driver failed", "driver_id", d.ID, "error", err)
			continue
		}
		if ok {
			driverID = d.ID
			break
		}
	}
	if driverID == "" {
		return outcomeNoDriver, nil
	}

	handle, err := e.ports.Acquire()
	if err != nil {
		observability.HandleExhausted.Inc()
		e.unclaimDriver(ctx, driverID)
		e.logger.Warn("backlog stalled, no free handle", "ride_id", rideID, "error", err)
		return outcomeNoHandle, nil
	}
	assigned, err := e.store.AssignRide(ctx, rideID, models.RidePending, driverID, handle, e.now())
	if err != nil {
		e.releaseHandle(handle)
		e.unclaimDriver(ctx, driverID)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return outcomeRideGone, nil
		}
		return outcomeNoDriver, fmt.Errorf("assign ride %s: %w", rideID, err)
	}
	observability.HandlesInUse.Set(float64(e.ports.InUse()))
	e.startTrip(ctx, assigned)
	return outcomeAssigned, nil
}

func (e *Engine) unclaimDriver(ctx context.Context, driverID string) {
	if _, err := e.drivers.CompareAndSetStatus(ctx, driverID, models.DriverOnTrip, models.DriverOnline); err != nil {
		e.logger.Error("driver left on_trip", "driver_id", driverID, "error", err)
	}
}
