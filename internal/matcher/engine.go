// Package matcher is the ride dispatch engine: it books rides, fans requests
// out to nearby drivers, settles concurrent driver responses, holds a
// resource handle for every assigned ride and completes trips on a timer.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/coupon"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/sandbox"
	"github.com/example/ride-dispatch/internal/schedule"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")

	ErrRideUnavailable   = fmt.Errorf("ride no longer available: %w", ErrInvalidState)
	ErrDriverUnavailable = fmt.Errorf("driver not available: %w", ErrInvalidState)
)

// DriverRegistry is the presence store the engine reads and mutates.
type DriverRegistry interface {
	Register(ctx context.Context, d models.Driver) (models.Driver, error)
	Get(ctx context.Context, id string) (models.Driver, error)
	ListOnline(ctx context.Context) ([]models.Driver, error)
	ListOnlineWithLocation(ctx context.Context) ([]models.Driver, error)
	SetStatus(ctx context.Context, id string, status models.DriverStatus) error
	CompareAndSetStatus(ctx context.Context, id string, from, to models.DriverStatus) (bool, error)
	TouchLiveness(ctx context.Context, id string, loc *models.Coord, now time.Time) (models.Driver, error)
	SweepExpired(ctx context.Context, timeout time.Duration, now time.Time) ([]string, error)
}

// nearbySearcher is implemented by registries with a spatial index.
type nearbySearcher interface {
	NearbyOnline(ctx context.Context, origin models.Coord, radiusKm float64) ([]models.Driver, error)
}

type Allocator interface {
	Acquire() (int, error)
	Release(handle int)
	InUse() int
}

type CouponEvaluator interface {
	Evaluate(ctx context.Context, userID, code string, fare float64, location string) (coupon.Evaluation, error)
	Release(ctx context.Context, userID, couponID string) error
}

type Notifier interface {
	OfferRequest(ctx context.Context, driverID string, view models.RideRequestView) error
}

type Scheduler interface {
	Schedule(key string, delay time.Duration, fn func()) bool
	Cancel(key string) bool
	Stop()
}

type Options struct {
	BaseFare        float64
	ServiceRadiusKm float64
	// MaxFanout bounds the candidates per booking; zero means all in range.
	MaxFanout    int
	TripDuration time.Duration
	// RequestTimeout expires unanswered requests; zero disables it.
	RequestTimeout time.Duration
	// EndpointHost is the host part of a ride's sandbox endpoint.
	EndpointHost string
	// LivenessTimeout is how long an online driver may go without a heartbeat.
	LivenessTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		BaseFare:        100,
		ServiceRadiusKm: 5,
		TripDuration:    60 * time.Second,
		EndpointHost:    "localhost",
		LivenessTimeout: 15 * time.Second,
	}
}

// Deps are the collaborators of an Engine. Store, Drivers and Ports are
// required; the rest fall back to no-op implementations.
type Deps struct {
	Store    storage.RideStore
	Drivers  DriverRegistry
	Ports    Allocator
	Sandbox  sandbox.Manager
	Coupons  CouponEvaluator
	Events   events.Publisher
	Notifier Notifier
	Timers   Scheduler
	Logger   *slog.Logger
}

type Engine struct {
	store   storage.RideStore
	drivers DriverRegistry
	ports   Allocator
	sandbox sandbox.Manager
	coupons CouponEvaluator
	events  events.Publisher
	notify  Notifier
	timers  Scheduler
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	locks     keyedMutex
	backlogMu sync.Mutex
	kick      chan struct{}
}

func New(deps Deps, opts Options) *Engine {
	def := DefaultOptions()
	if opts.BaseFare <= 0 {
		opts.BaseFare = def.BaseFare
	}
	if opts.ServiceRadiusKm <= 0 {
		opts.ServiceRadiusKm = def.ServiceRadiusKm
	}
	if opts.TripDuration <= 0 {
		opts.TripDuration = def.TripDuration
	}
	if opts.EndpointHost == "" {
		opts.EndpointHost = def.EndpointHost
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = def.LivenessTimeout
	}
	e := &Engine{
		store:   deps.Store,
		drivers: deps.Drivers,
		ports:   deps.Ports,
		sandbox: deps.Sandbox,
		coupons: deps.Coupons,
		events:  deps.Events,
		notify:  deps.Notifier,
		timers:  deps.Timers,
		opts:    opts,
		logger:  deps.Logger,
		now:     time.Now,
		locks:   keyedMutex{locks: make(map[string]*lockEntry)},
		kick:    make(chan struct{}, 1),
	}
	if e.sandbox == nil {
		e.sandbox = sandbox.Nop{}
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.timers == nil {
		e.timers = schedule.New()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "dispatch")
	return e
}

// Shutdown cancels pending trip and expiry timers.
func (e *Engine) Shutdown() { e.timers.Stop() }

func completionKey(rideID string) string { return "complete:" + rideID }
func expiryKey(rideID string) string     { return "expire:" + rideID }

// driverKey guards presence changes that depend on the driver's active ride.
// It is always taken after a ride lock, never before.
func driverKey(driverID string) string { return "driver:" + driverID }

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	ev.At = e.now()
	if err := e.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		observability.EventsPublished.WithLabelValues(string(ev.Type), "error").Inc()
		e.logger.Warn("publish event failed", "type", ev.Type, "ride_id", ev.RideID, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues(string(ev.Type), "ok").Inc()
}

func (e *Engine) releaseHandle(h int) {
	e.ports.Release(h)
	observability.HandlesInUse.Set(float64(e.ports.InUse()))
}

// keyedMutex serializes work per key (ride ids and driverKey values).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &lockEntry{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
