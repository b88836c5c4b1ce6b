// Package coupon evaluates booking coupons against per-user usage history and
// matches post-ride merchant offers to a rider's destination.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNotFound = errors.New("coupon not found")
	// ErrInvalid rejects a malformed coupon definition.
	ErrInvalid = errors.New("invalid coupon")
	// ErrIneligible carries the reason a merchant coupon cannot be redeemed.
	ErrIneligible = errors.New("coupon not eligible")
)

const (
	reasonInvalidCode  = "invalid coupon code"
	reasonExpired      = "coupon expired"
	reasonNotStarted   = "coupon not yet valid"
	reasonUsageLimit   = "coupon usage limit reached"
	reasonAlreadyUsed  = "coupon already used"
	reasonAlreadyTaken = "coupon already redeemed"
)

type Store interface {
	storage.CouponStore
	storage.MerchantStore
	GetRide(ctx context.Context, id string) (*models.Ride, error)
}

// Evaluation is the outcome of checking a coupon against a fare. A failed
// rule is reported with Valid=false and a Reason, never as an error.
type Evaluation struct {
	Valid     bool    `json:"valid"`
	Code      string  `json:"code,omitempty"`
	CouponID  string  `json:"coupon_id,omitempty"`
	Fare      float64 `json:"fare"`
	Discount  float64 `json:"discount"`
	FinalFare float64 `json:"final_fare"`
	Reason    string  `json:"reason,omitempty"`
}

type Engine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger.With("component", "coupon"), now: time.Now}
}

func invalid(code string, fare float64, reason string) Evaluation {
	return Evaluation{Code: code, Fare: fare, FinalFare: fare, Reason: reason}
}

// Check runs the validation rules in order and stops at the first failure.
// The only write is the lazy creation of the user's zero usage record.
func (e *Engine) Check(ctx context.Context, userID, code string, fare float64, location string) (Evaluation, error) {
	ev, _, err := e.check(ctx, userID, code, fare, location)
	return ev, err
}

func (e *Engine) check(ctx context.Context, userID, code string, fare float64, location string) (Evaluation, *models.Coupon, error) {
	c, err := e.store.GetCouponByCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return invalid(code, fare, reasonInvalidCode), nil, nil
	}
	if err != nil {
		return Evaluation{}, nil, fmt.Errorf("load coupon %q: %w", code, err)
	}
	if !c.Active {
		return invalid(code, fare, reasonInvalidCode), c, nil
	}
	now := e.now()
	if !now.Before(c.ValidUntil) {
		return invalid(code, fare, reasonExpired), c, nil
	}
	if now.Before(c.ValidFrom) {
		return invalid(code, fare, reasonNotStarted), c, nil
	}
	if fare < c.MinFare {
		return invalid(code, fare, fmt.Sprintf("minimum fare %.2f required", c.MinFare)), c, nil
	}
	if !zoneMatches(c.Zone, location) {
		return invalid(code, fare, fmt.Sprintf("coupon valid only in %s", c.Zone)), c, nil
	}
	if c.TotalUsageLimit != nil && c.UsageCount >= *c.TotalUsageLimit {
		return invalid(code, fare, reasonUsageLimit), c, nil
	}
	usage, err := e.store.GetOrCreateUsage(ctx, userID, c.ID, now)
	if err != nil {
		return Evaluation{}, nil, fmt.Errorf("load usage for %s: %w", userID, err)
	}
	if usage.UsageCount >= c.PerUserLimit {
		return invalid(code, fare, reasonAlreadyUsed), c, nil
	}
	d := Discount(c.DiscountType, c.DiscountValue, c.MaxDiscount, fare)
	return Evaluation{
		Valid:     true,
		Code:      c.Code,
		CouponID:  c.ID,
		Fare:      fare,
		Discount:  d,
		FinalFare: round2(fare - d),
	}, c, nil
}

// Evaluate checks the coupon and, when valid, reserves one use of it for the
// user. A reservation lost to a concurrent caller turns the result invalid.
func (e *Engine) Evaluate(ctx context.Context, userID, code string, fare float64, location string) (Evaluation, error) {
	ev, c, err := e.check(ctx, userID, code, fare, location)
	if err != nil {
		observability.CouponEvaluations.WithLabelValues("error").Inc()
		return ev, err
	}
	if !ev.Valid {
		observability.CouponEvaluations.WithLabelValues("invalid").Inc()
		return ev, nil
	}
	err = e.store.RedeemCoupon(ctx, userID, c.ID, e.now())
	switch {
	case errors.Is(err, storage.ErrUserLimitReached):
		observability.CouponEvaluations.WithLabelValues("invalid").Inc()
		return invalid(code, fare, reasonAlreadyUsed), nil
	case errors.Is(err, storage.ErrLimitReached):
		observability.CouponEvaluations.WithLabelValues("invalid").Inc()
		return invalid(code, fare, reasonUsageLimit), nil
	}
	if err != nil {
		observability.CouponEvaluations.WithLabelValues("error").Inc()
		return Evaluation{}, fmt.Errorf("reserve coupon %s: %w", c.Code, err)
	}
	observability.CouponEvaluations.WithLabelValues("applied").Inc()
	e.logger.Info("coupon applied", "user_id", userID, "coupon_id", c.ID, "discount", ev.Discount)
	return ev, nil
}

// Release gives back a use reserved by Evaluate.
func (e *Engine) Release(ctx context.Context, userID, couponID string) error {
	if err := e.store.ReleaseCoupon(ctx, userID, couponID); err != nil {
		return fmt.Errorf("release coupon %s: %w", couponID, err)
	}
	e.logger.Info("coupon released", "user_id", userID, "coupon_id", couponID)
	return nil
}

// zoneMatches treats an empty zone or an unknown location as a match;
// otherwise the location must contain the zone, ignoring case.
func zoneMatches(zone, location string) bool {
	if zone == "" || location == "" {
		return true
	}
	return strings.Contains(strings.ToLower(location), strings.ToLower(zone))
}

// Discount computes the amount taken off fare. Percentage discounts are capped
// at maxDiscount when it is set and positive; flat discounts never exceed the
// fare. The result is always within [0, fare].
func Discount(kind models.DiscountType, value float64, maxDiscount *float64, fare float64) float64 {
	if fare <= 0 || value <= 0 {
		return 0
	}
	var d float64
	switch kind {
	case models.DiscountPercentage:
		d = fare * value / 100
		if maxDiscount != nil && *maxDiscount > 0 && d > *maxDiscount {
			d = *maxDiscount
		}
	case models.DiscountFlat:
		d = value
	}
	return round2(math.Min(math.Max(d, 0), fare))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Available lists coupons the user could apply right now at location.
type Available struct {
	models.Coupon
	UserUsage    int `json:"user_usage"`
	RemainingUse int `json:"remaining_uses"`
}

func (e *Engine) Available(ctx context.Context, userID, location string) ([]Available, error) {
	coupons, err := e.store.ListActiveCoupons(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]Available, 0, len(coupons))
	for _, c := range coupons {
		if !now.Before(c.ValidUntil) || now.Before(c.ValidFrom) {
			continue
		}
		if !zoneMatches(c.Zone, location) {
			continue
		}
		if c.TotalUsageLimit != nil && c.UsageCount >= *c.TotalUsageLimit {
			continue
		}
		u, err := e.store.GetOrCreateUsage(ctx, userID, c.ID, now)
		if err != nil {
			return nil, err
		}
		if u.UsageCount >= c.PerUserLimit {
			continue
		}
		out = append(out, Available{Coupon: c, UserUsage: u.UsageCount, RemainingUse: c.PerUserLimit - u.UsageCount})
	}
	return out, nil
}

// Create validates and stores a platform coupon. Missing fields default to a
// single use per user starting now.
func (e *Engine) Create(ctx context.Context, c models.Coupon) (models.Coupon, error) {
	now := e.now()
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	if err := validateDiscount(c.Code, c.DiscountType, c.DiscountValue, c.MaxDiscount); err != nil {
		return models.Coupon{}, err
	}
	if c.PerUserLimit <= 0 {
		c.PerUserLimit = 1
	}
	if c.TotalUsageLimit != nil && *c.TotalUsageLimit < 0 {
		return models.Coupon{}, fmt.Errorf("%w: negative total usage limit", ErrInvalid)
	}
	if c.MinFare < 0 {
		return models.Coupon{}, fmt.Errorf("%w: negative minimum fare", ErrInvalid)
	}
	if c.ValidFrom.IsZero() {
		c.ValidFrom = now
	}
	if !c.ValidUntil.After(c.ValidFrom) {
		return models.Coupon{}, fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalid)
	}
	c.ID = uuid.NewString()
	c.UsageCount = 0
	c.Active = true
	c.CreatedAt = now
	if err := e.store.CreateCoupon(ctx, &c); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.Coupon{}, fmt.Errorf("%w: code %s already exists", ErrInvalid, c.Code)
		}
		return models.Coupon{}, err
	}
	e.logger.Info("coupon created", "coupon_id", c.ID, "code", c.Code)
	return c, nil
}

func validateDiscount(code string, kind models.DiscountType, value float64, maxDiscount *float64) error {
	if code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalid)
	}
	switch kind {
	case models.DiscountPercentage:
		if value > 100 {
			return fmt.Errorf("%w: percentage above 100", ErrInvalid)
		}
	case models.DiscountFlat:
	default:
		return fmt.Errorf("%w: unknown discount type %q", ErrInvalid, kind)
	}
	if value <= 0 {
		return fmt.Errorf("%w: discount value must be positive", ErrInvalid)
	}
	if maxDiscount != nil && *maxDiscount < 0 {
		return fmt.Errorf("%w: negative max discount", ErrInvalid)
	}
	return nil
}
