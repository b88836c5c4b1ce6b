package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type RegisterDriverRequest struct {
	Name  string        `json:"name"`
	Email string        `json:"email"`
	Area  string        `json:"area,omitempty"`
	Loc   *models.Coord `json:"loc,omitempty"`
}

// RegisterDriver adds a driver in the offline state. A known email resets
// the existing driver instead.
func (e *Engine) RegisterDriver(ctx context.Context, req RegisterDriverRequest) (models.Driver, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Email) == "" {
		return models.Driver{}, fmt.Errorf("%w: name and email are required", ErrValidation)
	}
	d, err := e.drivers.Register(ctx, models.Driver{
		Name:  strings.TrimSpace(req.Name),
		Email: req.Email,
		Area:  req.Area,
		Loc:   req.Loc,
	})
	if err != nil {
		return models.Driver{}, fmt.Errorf("register driver: %w", err)
	}
	e.logger.Info("driver registered", "driver_id", d.ID)
	return d, nil
}

func (e *Engine) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	return e.driver(ctx, id)
}

func (e *Engine) driver(ctx context.Context, id string) (models.Driver, error) {
	d, err := e.drivers.Get(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, err
}

// GoOnline marks the driver available and kicks the backlog. A driver that
// is on a trip stays on_trip; one that went offline mid-trip gets on_trip
// back.
func (e *Engine) GoOnline(ctx context.Context, id string) (models.Driver, error) {
	return e.goOnline(ctx, id, nil)
}

func (e *Engine) goOnline(ctx context.Context, id string, loc *models.Coord) (models.Driver, error) {
	d, err := e.driver(ctx, id)
	if err != nil {
		return models.Driver{}, err
	}
	if d.Status == models.DriverOffline {
		if err := e.restoreStatus(ctx, id); err != nil {
			return models.Driver{}, err
		}
	}
	d, err = e.drivers.TouchLiveness(ctx, id, loc, e.now())
	if err != nil {
		return models.Driver{}, fmt.Errorf("touch %s: %w", id, err)
	}
	if d.Status == models.DriverOnline {
		e.Kick()
	}
	return d, nil
}

// restoreStatus moves an offline driver to on_trip when a ride is still
// assigned to them, otherwise to online. The lookup and the status change
// happen under the driver key so a completing ride cannot slip in between.
func (e *Engine) restoreStatus(ctx context.Context, id string) error {
	unlock := e.locks.Lock(driverKey(id))
	defer unlock()
	to := models.DriverOnline
	if _, err := e.store.ActiveRideByDriver(ctx, id); err == nil {
		to = models.DriverOnTrip
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("active ride of %s: %w", id, err)
	}
	if _, err := e.drivers.CompareAndSetStatus(ctx, id, models.DriverOffline, to); err != nil {
		return fmt.Errorf("set %s %s: %w", id, to, err)
	}
	return nil
}

// GoOffline marks the driver offline. A ride in progress is not affected,
// but its completion will leave the driver offline.
func (e *Engine) GoOffline(ctx context.Context, id string) (models.Driver, error) {
	if _, err := e.driver(ctx, id); err != nil {
		return models.Driver{}, err
	}
	if err := e.drivers.SetStatus(ctx, id, models.DriverOffline); err != nil {
		return models.Driver{}, fmt.Errorf("set %s offline: %w", id, err)
	}
	return e.driver(ctx, id)
}

// Heartbeat refreshes liveness and location. An offline driver sending
// heartbeats is brought back online.
func (e *Engine) Heartbeat(ctx context.Context, id string, loc *models.Coord) (models.Driver, error) {
	return e.goOnline(ctx, id, loc)
}

// AvailableDrivers sweeps stale drivers, then lists the online ones.
func (e *Engine) AvailableDrivers(ctx context.Context) ([]models.Driver, error) {
	if _, err := e.SweepExpired(ctx); err != nil {
		e.logger.Warn("liveness sweep failed", "error", err)
	}
	return e.drivers.ListOnline(ctx)
}

// SweepExpired demotes online drivers whose heartbeat is older than the
// liveness timeout. Drivers on a trip are never demoted.
func (e *Engine) SweepExpired(ctx context.Context) ([]string, error) {
	ids, err := e.drivers.SweepExpired(ctx, e.opts.LivenessTimeout, e.now())
	if err != nil {
		return nil, fmt.Errorf("sweep drivers: %w", err)
	}
	if len(ids) > 0 {
		observability.DriversExpired.Add(float64(len(ids)))
		e.logger.Info("drivers expired", "count", len(ids), "driver_ids", ids)
	}
	return ids, nil
}
