// Package storage persists rides, ride requests, coupons and merchant offers.
// Every transition that has to be atomic with respect to concurrent callers is
// a single Store call.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means the record was not in the expected state.
	ErrConflict     = errors.New("state conflict")
	ErrLimitReached = errors.New("usage limit reached")
	// ErrUserLimitReached is the per-user flavour of ErrLimitReached.
	ErrUserLimitReached = fmt.Errorf("%w for user", ErrLimitReached)
)

type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// ListRides returns every ride in creation order.
	ListRides(ctx context.Context) ([]models.Ride, error)
	ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]models.Ride, error)
	// RideByHandle returns the assigned ride currently holding handle.
	RideByHandle(ctx context.Context, handle int) (*models.Ride, error)
	// ActiveRideByDriver returns the assigned ride of a driver, if any.
	ActiveRideByDriver(ctx context.Context, driverID string) (*models.Ride, error)
	TransitionRide(ctx context.Context, id string, from, to models.RideStatus, now time.Time) (*models.Ride, error)
	// AssignRide moves a ride from `from` to assigned with the driver and handle.
	AssignRide(ctx context.Context, id string, from models.RideStatus, driverID string, handle int, now time.Time) (*models.Ride, error)
	// CompleteRide moves an assigned ride to completed and clears its handle.
	CompleteRide(ctx context.Context, id string, now time.Time) (*models.Ride, error)

	CreateRequests(ctx context.Context, reqs []models.RideRequest) error
	GetRequest(ctx context.Context, id string) (*models.RideRequest, error)
	ListRequestsByRide(ctx context.Context, rideID string) ([]models.RideRequest, error)
	ListPendingRequestsByDriver(ctx context.Context, driverID string) ([]models.RideRequest, error)
	// AcceptRequest marks the request accepted, expires every other pending
	// request of the ride and assigns the ride, all at once. The ride must be
	// searching (ErrConflict otherwise) and the request pending and owned by
	// driverID (ErrNotFound otherwise).
	AcceptRequest(ctx context.Context, requestID, driverID string, handle int, now time.Time) (*models.Ride, error)
	// RejectRequest marks the request rejected. When no request of the ride is
	// left pending or accepted, a searching ride moves to no_drivers.
	RejectRequest(ctx context.Context, requestID, driverID string, now time.Time) (*models.Ride, error)
	// ExpirePendingRequests expires every pending request of the ride and moves
	// a searching ride to no_drivers. It returns the number expired.
	ExpirePendingRequests(ctx context.Context, rideID string, now time.Time) (*models.Ride, int, error)
}

type CouponStore interface {
	CreateCoupon(ctx context.Context, c *models.Coupon) error
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	ListActiveCoupons(ctx context.Context) ([]models.Coupon, error)
	// GetOrCreateUsage lazily creates a zero usage record.
	GetOrCreateUsage(ctx context.Context, userID, couponID string, now time.Time) (models.UserCouponUsage, error)
	// RedeemCoupon increments the coupon and per-user counters together,
	// failing with ErrLimitReached at the total cap and ErrUserLimitReached
	// at the user's cap.
	RedeemCoupon(ctx context.Context, userID, couponID string, now time.Time) error
	// ReleaseCoupon undoes one RedeemCoupon. Counters never go below zero.
	ReleaseCoupon(ctx context.Context, userID, couponID string) error
}

type RiderStats struct {
	CompletedRides int
	TotalSpent     float64
}

type MerchantStore interface {
	CreateMerchant(ctx context.Context, m *models.Merchant) error
	CreateMerchantCoupon(ctx context.Context, c *models.MerchantCoupon) error
	GetMerchantCoupon(ctx context.Context, id string) (*models.MerchantOffer, error)
	ListActiveMerchantOffers(ctx context.Context) ([]models.MerchantOffer, error)
	// RiderStats aggregates the rider's completed rides and final fares.
	RiderStats(ctx context.Context, userID string) (RiderStats, error)
	HasRedeemed(ctx context.Context, userID, couponID string) (bool, error)
	// RedeemMerchantCoupon records the redemption and bumps usage_count.
	// ErrConflict if the user already redeemed, ErrLimitReached at the cap.
	RedeemMerchantCoupon(ctx context.Context, red *models.CouponRedemption) error
}

type Store interface {
	RideStore
	CouponStore
	MerchantStore
}
