package coupon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

const defaultMerchantRadiusKm = 0.5

// NearbyOffer is a merchant coupon the rider qualifies for at a destination.
type NearbyOffer struct {
	Coupon     models.MerchantCoupon `json:"coupon"`
	Merchant   models.Merchant       `json:"merchant"`
	DistanceKm float64               `json:"distance_km"`
}

func (e *Engine) CreateMerchant(ctx context.Context, m models.Merchant) (models.Merchant, error) {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return models.Merchant{}, fmt.Errorf("%w: merchant name is required", ErrInvalid)
	}
	m.ID = uuid.NewString()
	m.Email = strings.ToLower(strings.TrimSpace(m.Email))
	m.Active = true
	m.CreatedAt = e.now()
	if err := e.store.CreateMerchant(ctx, &m); err != nil {
		return models.Merchant{}, err
	}
	return m, nil
}

func (e *Engine) CreateMerchantCoupon(ctx context.Context, c models.MerchantCoupon) (models.MerchantCoupon, error) {
	now := e.now()
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	if err := validateDiscount(c.Code, c.DiscountType, c.DiscountValue, c.MaxDiscount); err != nil {
		return models.MerchantCoupon{}, err
	}
	if c.RadiusKm <= 0 {
		c.RadiusKm = defaultMerchantRadiusKm
	}
	if c.MinRidesRequired < 0 || c.MinFareSpent < 0 || c.MinPurchase < 0 {
		return models.MerchantCoupon{}, fmt.Errorf("%w: negative threshold", ErrInvalid)
	}
	if c.ValidFrom.IsZero() {
		c.ValidFrom = now
	}
	if !c.ValidUntil.After(c.ValidFrom) {
		return models.MerchantCoupon{}, fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalid)
	}
	c.ID = uuid.NewString()
	c.UsageCount = 0
	c.Active = true
	c.CreatedAt = now
	if err := e.store.CreateMerchantCoupon(ctx, &c); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.MerchantCoupon{}, fmt.Errorf("merchant %s: %w", c.MerchantID, ErrNotFound)
		}
		return models.MerchantCoupon{}, err
	}
	return c, nil
}

// eligibility returns an empty string when the rider qualifies for the offer
// at dest, otherwise the reason they do not.
func (e *Engine) eligibility(o models.MerchantOffer, stats storage.RiderStats, dest models.Coord) (string, float64) {
	c := o.Coupon
	now := e.now()
	if !c.Active || !o.Merchant.Active {
		return reasonInvalidCode, 0
	}
	if !now.Before(c.ValidUntil) {
		return reasonExpired, 0
	}
	if now.Before(c.ValidFrom) {
		return reasonNotStarted, 0
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return reasonUsageLimit, 0
	}
	dist := geo.HaversineKm(dest, o.Merchant.Loc)
	if dist > c.RadiusKm {
		return fmt.Sprintf("destination is %.2f km from merchant, limit %.2f km", dist, c.RadiusKm), dist
	}
	if stats.CompletedRides < c.MinRidesRequired {
		return fmt.Sprintf("requires %d completed rides", c.MinRidesRequired), dist
	}
	if stats.TotalSpent < c.MinFareSpent {
		return fmt.Sprintf("requires %.2f total spent on rides", c.MinFareSpent), dist
	}
	return "", dist
}

// Nearby lists merchant coupons near dest that the user qualifies for and has
// not redeemed, closest merchant first.
func (e *Engine) Nearby(ctx context.Context, userID string, dest models.Coord) ([]NearbyOffer, error) {
	offers, err := e.store.ListActiveMerchantOffers(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := e.store.RiderStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []NearbyOffer
	for _, o := range offers {
		reason, dist := e.eligibility(o, stats, dest)
		if reason != "" {
			continue
		}
		done, err := e.store.HasRedeemed(ctx, userID, o.Coupon.ID)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}
		out = append(out, NearbyOffer{Coupon: o.Coupon, Merchant: o.Merchant, DistanceKm: dist})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// RedeemMerchant re-validates the offer against the ride's destination and
// records the redemption.
func (e *Engine) RedeemMerchant(ctx context.Context, userID, couponID, rideID string) (models.CouponRedemption, error) {
	o, err := e.store.GetMerchantCoupon(ctx, couponID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.CouponRedemption{}, fmt.Errorf("merchant coupon %s: %w", couponID, ErrNotFound)
	}
	if err != nil {
		return models.CouponRedemption{}, err
	}
	ride, err := e.store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && ride.RiderID != userID) {
		return models.CouponRedemption{}, fmt.Errorf("%w: ride %s not found for user", ErrIneligible, rideID)
	}
	if err != nil {
		return models.CouponRedemption{}, err
	}
	if ride.Status != models.RideCompleted {
		return models.CouponRedemption{}, fmt.Errorf("%w: ride %s is not completed", ErrIneligible, rideID)
	}
	if ride.DestLoc == nil {
		return models.CouponRedemption{}, fmt.Errorf("%w: ride %s has no destination coordinates", ErrIneligible, rideID)
	}
	stats, err := e.store.RiderStats(ctx, userID)
	if err != nil {
		return models.CouponRedemption{}, err
	}
	if reason, _ := e.eligibility(*o, stats, *ride.DestLoc); reason != "" {
		return models.CouponRedemption{}, fmt.Errorf("%w: %s", ErrIneligible, reason)
	}
	red := models.CouponRedemption{
		ID:               uuid.NewString(),
		UserID:           userID,
		MerchantCouponID: couponID,
		RideID:           rideID,
		RedeemedAt:       e.now(),
	}
	switch err := e.store.RedeemMerchantCoupon(ctx, &red); {
	case errors.Is(err, storage.ErrConflict):
		return models.CouponRedemption{}, fmt.Errorf("%w: %s", ErrIneligible, reasonAlreadyTaken)
	case errors.Is(err, storage.ErrLimitReached):
		return models.CouponRedemption{}, fmt.Errorf("%w: %s", ErrIneligible, reasonUsageLimit)
	case err != nil:
		return models.CouponRedemption{}, err
	}
	e.logger.Info("merchant coupon redeemed", "user_id", userID, "coupon_id", couponID, "ride_id", rideID)
	return red, nil
}
