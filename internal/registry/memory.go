package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// Memory is an in-process registry. Listing order is registration order,
// which is what "first online driver" means for direct assignment.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
	byEmail map[string]string
	order   []string
}

func NewMemory() *Memory {
	return &Memory{
		drivers: make(map[string]*models.Driver),
		byEmail: make(map[string]string),
	}
}

// Register adds a driver as offline. Registering a known email resets that
// driver to offline and refreshes last_seen instead of creating a new one.
func (m *Memory) Register(_ context.Context, d models.Driver) (models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	email := normalizeEmail(d.Email)
	if id, ok := m.byEmail[email]; ok && email != "" {
		existing := m.drivers[id]
		existing.Status = models.DriverOffline
		existing.LastSeen = now
		return *existing, nil
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Email = email
	d.Status = models.DriverOffline
	d.LastSeen = now
	d.RegisteredAt = now
	cp := d
	m.drivers[d.ID] = &cp
	if email != "" {
		m.byEmail[email] = d.ID
	}
	m.order = append(m.order, d.ID)
	return d, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, ErrNotFound
	}
	return *d, nil
}

func (m *Memory) ListOnline(_ context.Context) ([]models.Driver, error) {
	return m.list(func(d *models.Driver) bool { return d.Status == models.DriverOnline }), nil
}

func (m *Memory) ListOnlineWithLocation(_ context.Context) ([]models.Driver, error) {
	return m.list(func(d *models.Driver) bool { return d.Status == models.DriverOnline && d.Loc != nil }), nil
}

func (m *Memory) list(keep func(*models.Driver) bool) []models.Driver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.order))
	for _, id := range m.order {
		d := m.drivers[id]
		if keep(d) {
			out = append(out, *d)
		}
	}
	return out
}

func (m *Memory) SetStatus(_ context.Context, id string, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	return nil
}

// CompareAndSetStatus moves the driver to `to` only if it is currently `from`.
func (m *Memory) CompareAndSetStatus(_ context.Context, id string, from, to models.DriverStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != from {
		return false, nil
	}
	d.Status = to
	return true, nil
}

// TouchLiveness refreshes last_seen and, when loc is non-nil, the location.
func (m *Memory) TouchLiveness(_ context.Context, id string, loc *models.Coord, now time.Time) (models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, ErrNotFound
	}
	d.LastSeen = now
	if loc != nil {
		l := *loc
		d.Loc = &l
	}
	return *d, nil
}

// SweepExpired demotes online drivers whose last_seen is older than timeout.
// Drivers on a trip are left alone.
func (m *Memory) SweepExpired(_ context.Context, timeout time.Duration, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-timeout)
	var expired []string
	for _, id := range m.order {
		d := m.drivers[id]
		if d.Status == models.DriverOnline && d.LastSeen.Before(cutoff) {
			d.Status = models.DriverOffline
			expired = append(expired, id)
		}
	}
	return expired, nil
}
