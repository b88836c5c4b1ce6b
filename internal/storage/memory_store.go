package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in maps behind one lock, so every method is a
// single critical section.
type MemoryStore struct {
	mu sync.RWMutex

	rides     map[string]*models.Ride
	rideOrder []string

	requests       map[string]*models.RideRequest
	requestsByRide map[string][]string

	coupons      map[string]*models.Coupon
	couponByCode map[string]string
	couponOrder  []string
	usage        map[usageKey]*models.UserCouponUsage

	merchants       map[string]*models.Merchant
	merchantCoupons map[string]*models.MerchantCoupon
	mcOrder         []string
	redemptions     map[usageKey]*models.CouponRedemption
}

type usageKey struct{ user, coupon string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:           make(map[string]*models.Ride),
		requests:        make(map[string]*models.RideRequest),
		requestsByRide:  make(map[string][]string),
		coupons:         make(map[string]*models.Coupon),
		couponByCode:    make(map[string]string),
		usage:           make(map[usageKey]*models.UserCouponUsage),
		merchants:       make(map[string]*models.Merchant),
		merchantCoupons: make(map[string]*models.MerchantCoupon),
		redemptions:     make(map[usageKey]*models.CouponRedemption),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	cp := *r
	m.rides[r.ID] = &cp
	m.rideOrder = append(m.rideOrder, r.ID)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRides(_ context.Context) ([]models.Ride, error) {
	return m.filterRides(func(*models.Ride) bool { return true }), nil
}

func (m *MemoryStore) ListRidesByStatus(_ context.Context, status models.RideStatus) ([]models.Ride, error) {
	return m.filterRides(func(r *models.Ride) bool { return r.Status == status }), nil
}

func (m *MemoryStore) filterRides(keep func(*models.Ride) bool) []models.Ride {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0, len(m.rideOrder))
	for _, id := range m.rideOrder {
		if r := m.rides[id]; keep(r) {
			out = append(out, *r)
		}
	}
	return out
}

func (m *MemoryStore) RideByHandle(_ context.Context, handle int) (*models.Ride, error) {
	return m.findRide(func(r *models.Ride) bool {
		return r.Status == models.RideAssigned && r.Handle == handle && handle != 0
	})
}

func (m *MemoryStore) ActiveRideByDriver(_ context.Context, driverID string) (*models.Ride, error) {
	return m.findRide(func(r *models.Ride) bool {
		return r.Status == models.RideAssigned && r.DriverID == driverID
	})
}

func (m *MemoryStore) findRide(match func(*models.Ride) bool) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.rideOrder {
		if r := m.rides[id]; match(r) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) TransitionRide(_ context.Context, id string, from, to models.RideStatus, now time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConflict
	}
	r.Status = to
	r.UpdatedAt = now
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AssignRide(_ context.Context, id string, from models.RideStatus, driverID string, handle int, now time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConflict
	}
	assign(r, driverID, handle, now)
	cp := *r
	return &cp, nil
}

func assign(r *models.Ride, driverID string, handle int, now time.Time) {
	r.Status = models.RideAssigned
	r.DriverID = driverID
	r.Handle = handle
	r.UpdatedAt = now
	at := now
	r.AssignedAt = &at
}

func (m *MemoryStore) CompleteRide(_ context.Context, id string, now time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideAssigned {
		return nil, ErrConflict
	}
	r.Status = models.RideCompleted
	r.Handle = 0
	r.UpdatedAt = now
	at := now
	r.CompletedAt = &at
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CreateRequests(_ context.Context, reqs []models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rq := range reqs {
		if _, ok := m.rides[rq.RideID]; !ok {
			return ErrNotFound
		}
		if _, ok := m.requests[rq.ID]; ok {
			return ErrConflict
		}
	}
	for _, rq := range reqs {
		cp := rq
		m.requests[rq.ID] = &cp
		m.requestsByRide[rq.RideID] = append(m.requestsByRide[rq.RideID], rq.ID)
	}
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rq, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rq
	return &cp, nil
}

func (m *MemoryStore) ListRequestsByRide(_ context.Context, rideID string) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.requestsByRide[rideID]
	out := make([]models.RideRequest, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.requests[id])
	}
	return out, nil
}

func (m *MemoryStore) ListPendingRequestsByDriver(_ context.Context, driverID string) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, rideID := range m.rideOrder {
		for _, id := range m.requestsByRide[rideID] {
			rq := m.requests[id]
			if rq.DriverID == driverID && rq.Status == models.RequestPending {
				out = append(out, *rq)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) AcceptRequest(_ context.Context, requestID, driverID string, handle int, now time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rq, ok := m.requests[requestID]
	if !ok || rq.DriverID != driverID {
		return nil, ErrNotFound
	}
	r := m.rides[rq.RideID]
	if r.Status != models.RideSearching {
		return nil, ErrConflict
	}
	if rq.Status != models.RequestPending {
		return nil, ErrNotFound
	}
	for _, id := range m.requestsByRide[r.ID] {
		sib := m.requests[id]
		if sib.Status != models.RequestPending {
			continue
		}
		at := now
		sib.RespondedAt = &at
		if sib.ID == requestID {
			sib.Status = models.RequestAccepted
		} else {
			sib.Status = models.RequestExpired
		}
	}
	assign(r, driverID, handle, now)
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) RejectRequest(_ context.Context, requestID, driverID string, now time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rq, ok := m.requests[requestID]
	if !ok || rq.DriverID != driverID || rq.Status != models.RequestPending {
		return nil, ErrNotFound
	}
	rq.Status = models.RequestRejected
	at := now
	rq.RespondedAt = &at

	r := m.rides[rq.RideID]
	if r.Status == models.RideSearching && !m.anyOpenLocked(r.ID) {
		r.Status = models.RideNoDrivers
		r.UpdatedAt = now
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) anyOpenLocked(rideID string) bool {
	for _, id := range m.requestsByRide[rideID] {
		switch m.requests[id].Status {
		case models.RequestPending, models.RequestAccepted:
			return true
		}
	}
	return false
}

func (m *MemoryStore) ExpirePendingRequests(_ context.Context, rideID string, now time.Time) (*models.Ride, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	n := 0
	for _, id := range m.requestsByRide[rideID] {
		rq := m.requests[id]
		if rq.Status == models.RequestPending {
			rq.Status = models.RequestExpired
			at := now
			rq.RespondedAt = &at
			n++
		}
	}
	if r.Status == models.RideSearching {
		r.Status = models.RideNoDrivers
		r.UpdatedAt = now
	}
	cp := *r
	return &cp, n, nil
}

func normalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

func (m *MemoryStore) CreateCoupon(_ context.Context, c *models.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code := normalizeCode(c.Code)
	if _, ok := m.couponByCode[code]; ok {
		return ErrConflict
	}
	cp := *c
	cp.Code = code
	m.coupons[c.ID] = &cp
	m.couponByCode[code] = c.ID
	m.couponOrder = append(m.couponOrder, c.ID)
	return nil
}

func (m *MemoryStore) GetCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.couponByCode[normalizeCode(code)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.coupons[id]
	return &cp, nil
}

func (m *MemoryStore) ListActiveCoupons(_ context.Context) ([]models.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Coupon
	for _, id := range m.couponOrder {
		if c := m.coupons[id]; c.Active {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetOrCreateUsage(_ context.Context, userID, couponID string, now time.Time) (models.UserCouponUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.coupons[couponID]; !ok {
		return models.UserCouponUsage{}, ErrNotFound
	}
	return *m.usageLocked(userID, couponID, now), nil
}

func (m *MemoryStore) usageLocked(userID, couponID string, now time.Time) *models.UserCouponUsage {
	k := usageKey{userID, couponID}
	u, ok := m.usage[k]
	if !ok {
		u = &models.UserCouponUsage{UserID: userID, CouponID: couponID, AssignedAt: now}
		m.usage[k] = u
	}
	return u
}

func (m *MemoryStore) RedeemCoupon(_ context.Context, userID, couponID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[couponID]
	if !ok {
		return ErrNotFound
	}
	if c.TotalUsageLimit != nil && c.UsageCount >= *c.TotalUsageLimit {
		return ErrLimitReached
	}
	u := m.usageLocked(userID, couponID, now)
	if u.UsageCount >= c.PerUserLimit {
		return ErrUserLimitReached
	}
	c.UsageCount++
	u.UsageCount++
	return nil
}

func (m *MemoryStore) ReleaseCoupon(_ context.Context, userID, couponID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[couponID]
	if !ok {
		return ErrNotFound
	}
	if c.UsageCount > 0 {
		c.UsageCount--
	}
	if u, ok := m.usage[usageKey{userID, couponID}]; ok && u.UsageCount > 0 {
		u.UsageCount--
	}
	return nil
}

func (m *MemoryStore) CreateMerchant(_ context.Context, mc *models.Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.merchants[mc.ID]; ok {
		return ErrConflict
	}
	cp := *mc
	m.merchants[mc.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateMerchantCoupon(_ context.Context, c *models.MerchantCoupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.merchants[c.MerchantID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.merchantCoupons[c.ID]; ok {
		return ErrConflict
	}
	cp := *c
	m.merchantCoupons[c.ID] = &cp
	m.mcOrder = append(m.mcOrder, c.ID)
	return nil
}

func (m *MemoryStore) GetMerchantCoupon(_ context.Context, id string) (*models.MerchantOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.merchantCoupons[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &models.MerchantOffer{Coupon: *c, Merchant: *m.merchants[c.MerchantID]}, nil
}

func (m *MemoryStore) ListActiveMerchantOffers(_ context.Context) ([]models.MerchantOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MerchantOffer
	for _, id := range m.mcOrder {
		c := m.merchantCoupons[id]
		mer := m.merchants[c.MerchantID]
		if c.Active && mer.Active {
			out = append(out, models.MerchantOffer{Coupon: *c, Merchant: *mer})
		}
	}
	return out, nil
}

func (m *MemoryStore) RiderStats(_ context.Context, userID string) (RiderStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st RiderStats
	for _, r := range m.rides {
		if r.RiderID == userID && r.Status == models.RideCompleted {
			st.CompletedRides++
			st.TotalSpent += r.FinalFare
		}
	}
	return st, nil
}

func (m *MemoryStore) HasRedeemed(_ context.Context, userID, couponID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.redemptions[usageKey{userID, couponID}]
	return ok, nil
}

func (m *MemoryStore) RedeemMerchantCoupon(_ context.Context, red *models.CouponRedemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.merchantCoupons[red.MerchantCouponID]
	if !ok {
		return ErrNotFound
	}
	k := usageKey{red.UserID, red.MerchantCouponID}
	if _, ok := m.redemptions[k]; ok {
		return ErrConflict
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return ErrLimitReached
	}
	cp := *red
	m.redemptions[k] = &cp
	c.UsageCount++
	return nil
}
