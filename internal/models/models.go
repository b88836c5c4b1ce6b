package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type RideStatus string

const (
	// RidePending is used by direct-assign bookings waiting for the first free driver.
	RidePending   RideStatus = "pending"
	RideSearching RideStatus = "searching"
	RideAssigned  RideStatus = "assigned"
	RideCompleted RideStatus = "completed"
	RideNoDrivers RideStatus = "no_drivers"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideNoDrivers
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
)

type DriverStatus string

const (
	DriverOffline DriverStatus = "offline"
	DriverOnline  DriverStatus = "online"
	DriverOnTrip  DriverStatus = "on_trip"
)

// Ride is one transport request from booking to completion. Handle is zero
// while no resource is held; DriverID is empty until assignment.
type Ride struct {
	ID          string     `json:"id"`
	RiderID     string     `json:"rider_id"`
	DriverID    string     `json:"driver_id,omitempty"`
	Pickup      string     `json:"pickup"`
	Destination string     `json:"destination"`
	PickupLoc   *Coord     `json:"pickup_loc,omitempty"`
	DestLoc     *Coord     `json:"dest_loc,omitempty"`
	Status      RideStatus `json:"status"`
	Handle      int        `json:"handle,omitempty"`
	Fare        float64    `json:"fare"`
	Discount    float64    `json:"discount"`
	FinalFare   float64    `json:"final_fare"`
	CouponID    string     `json:"coupon_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type RideRequest struct {
	ID          string        `json:"id"`
	RideID      string        `json:"ride_id"`
	DriverID    string        `json:"driver_id"`
	Status      RequestStatus `json:"status"`
	DistanceKm  float64       `json:"distance_km"`
	CreatedAt   time.Time     `json:"created_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

type Driver struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Area         string       `json:"area,omitempty"`
	Loc          *Coord       `json:"loc,omitempty"`
	Status       DriverStatus `json:"status"`
	LastSeen     time.Time    `json:"last_seen"`
	RegisteredAt time.Time    `json:"registered_at"`
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFlat       DiscountType = "flat"
)

// Coupon is a platform-wide booking coupon. MaxDiscount and TotalUsageLimit
// are optional.
type Coupon struct {
	ID              string       `json:"id"`
	Code            string       `json:"code"`
	DiscountType    DiscountType `json:"discount_type"`
	DiscountValue   float64      `json:"discount_value"`
	MaxDiscount     *float64     `json:"max_discount,omitempty"`
	MinFare         float64      `json:"min_fare"`
	ValidFrom       time.Time    `json:"valid_from"`
	ValidUntil      time.Time    `json:"valid_until"`
	TotalUsageLimit *int         `json:"total_usage_limit,omitempty"`
	PerUserLimit    int          `json:"per_user_limit"`
	UsageCount      int          `json:"usage_count"`
	Zone            string       `json:"zone,omitempty"`
	Active          bool         `json:"active"`
	CreatedAt       time.Time    `json:"created_at"`
}

type UserCouponUsage struct {
	UserID     string    `json:"user_id"`
	CouponID   string    `json:"coupon_id"`
	UsageCount int       `json:"usage_count"`
	AssignedAt time.Time `json:"assigned_at"`
}

type Merchant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	BusinessType string    `json:"business_type"`
	Address      string    `json:"address"`
	Loc          Coord     `json:"loc"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// MerchantCoupon is offered after a ride whose destination lies within
// RadiusKm of the merchant.
type MerchantCoupon struct {
	ID               string       `json:"id"`
	MerchantID       string       `json:"merchant_id"`
	Code             string       `json:"code"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	DiscountType     DiscountType `json:"discount_type"`
	DiscountValue    float64      `json:"discount_value"`
	MinPurchase      float64      `json:"min_purchase"`
	MaxDiscount      *float64     `json:"max_discount,omitempty"`
	ValidFrom        time.Time    `json:"valid_from"`
	ValidUntil       time.Time    `json:"valid_until"`
	UsageLimit       *int         `json:"usage_limit,omitempty"`
	UsageCount       int          `json:"usage_count"`
	MinRidesRequired int          `json:"min_rides_required"`
	MinFareSpent     float64      `json:"min_fare_spent"`
	RadiusKm         float64      `json:"radius_km"`
	Active           bool         `json:"active"`
	CreatedAt        time.Time    `json:"created_at"`
}

// MerchantOffer joins an active merchant coupon with its merchant.
type MerchantOffer struct {
	Coupon   MerchantCoupon
	Merchant Merchant
}

type CouponRedemption struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	MerchantCouponID string    `json:"merchant_coupon_id"`
	RideID           string    `json:"ride_id"`
	RedeemedAt       time.Time `json:"redeemed_at"`
}

type RideView struct {
	RideID      string     `json:"ride_id"`
	RiderID     string     `json:"rider_id"`
	DriverID    string     `json:"driver_id,omitempty"`
	Pickup      string     `json:"pickup"`
	Destination string     `json:"destination"`
	PickupLoc   *Coord     `json:"pickup_loc,omitempty"`
	DestLoc     *Coord     `json:"dest_loc,omitempty"`
	Status      RideStatus `json:"status"`
	Handle      int        `json:"handle,omitempty"`
	Endpoint    string     `json:"endpoint,omitempty"`
	Fare        float64    `json:"fare"`
	Discount    float64    `json:"discount"`
	FinalFare   float64    `json:"final_fare"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RideRequestView is what a candidate driver sees when offered a ride.
type RideRequestView struct {
	RequestID   string        `json:"request_id"`
	RideID      string        `json:"ride_id"`
	Status      RequestStatus `json:"status"`
	Pickup      string        `json:"pickup"`
	Destination string        `json:"destination"`
	PickupLoc   *Coord        `json:"pickup_loc,omitempty"`
	DistanceKm  float64       `json:"distance_km"`
	FinalFare   float64       `json:"final_fare"`
	CreatedAt   time.Time     `json:"created_at"`
}
