package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const couponColumns = `id, code, discount_type, discount_value, max_discount, min_fare, valid_from,
	valid_until, total_usage_limit, per_user_limit, usage_count, zone, active, created_at`

func scanCoupon(row rowScanner) (*models.Coupon, error) {
	var (
		c        models.Coupon
		maxDisc  sql.NullFloat64
		totalCap sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.Code, &c.DiscountType, &c.DiscountValue, &maxDisc, &c.MinFare,
		&c.ValidFrom, &c.ValidUntil, &totalCap, &c.PerUserLimit, &c.UsageCount, &c.Zone, &c.Active, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if maxDisc.Valid {
		v := maxDisc.Float64
		c.MaxDiscount = &v
	}
	if totalCap.Valid {
		v := int(totalCap.Int64)
		c.TotalUsageLimit = &v
	}
	return &c, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func (p *PostgresStore) CreateCoupon(ctx context.Context, c *models.Coupon) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO coupons(id, code, discount_type, discount_value,
		max_discount, min_fare, valid_from, valid_until, total_usage_limit, per_user_limit, usage_count,
		zone, active, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, normalizeCode(c.Code), c.DiscountType, c.DiscountValue, nullFloat(c.MaxDiscount), c.MinFare,
		c.ValidFrom, c.ValidUntil, nullInt(c.TotalUsageLimit), c.PerUserLimit, c.UsageCount, c.Zone,
		c.Active, c.CreatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return scanCoupon(p.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code=$1`, normalizeCode(code)))
}

func (p *PostgresStore) ListActiveCoupons(ctx context.Context) ([]models.Coupon, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE active ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetOrCreateUsage(ctx context.Context, userID, couponID string, now time.Time) (models.UserCouponUsage, error) {
	u := models.UserCouponUsage{UserID: userID, CouponID: couponID}
	_, err := p.db.ExecContext(ctx, `INSERT INTO user_coupons(user_id, coupon_id, usage_count, assigned_at)
		VALUES($1,$2,0,$3) ON CONFLICT (user_id, coupon_id) DO NOTHING`, userID, couponID, now)
	if err != nil {
		return u, mapFKError(err)
	}
	err = p.db.QueryRowContext(ctx, `SELECT usage_count, assigned_at FROM user_coupons
		WHERE user_id=$1 AND coupon_id=$2`, userID, couponID).Scan(&u.UsageCount, &u.AssignedAt)
	return u, err
}

func mapFKError(err error) error {
	if isPQCode(err, "23503") {
		return ErrNotFound
	}
	return err
}

func (p *PostgresStore) RedeemCoupon(ctx context.Context, userID, couponID string, now time.Time) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		c, err := scanCoupon(tx.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id=$1 FOR UPDATE`, couponID))
		if err != nil {
			return err
		}
		if c.TotalUsageLimit != nil && c.UsageCount >= *c.TotalUsageLimit {
			return ErrLimitReached
		}
		var used int
		err = tx.QueryRowContext(ctx, `INSERT INTO user_coupons(user_id, coupon_id, usage_count, assigned_at)
			VALUES($1,$2,0,$3) ON CONFLICT (user_id, coupon_id) DO UPDATE SET usage_count=user_coupons.usage_count
			RETURNING usage_count`, userID, couponID, now).Scan(&used)
		if err != nil {
			return err
		}
		if used >= c.PerUserLimit {
			return ErrUserLimitReached
		}
		if _, err := tx.ExecContext(ctx, `UPDATE coupons SET usage_count=usage_count+1 WHERE id=$1`, couponID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE user_coupons SET usage_count=usage_count+1
			WHERE user_id=$1 AND coupon_id=$2`, userID, couponID)
		return err
	})
}

func (p *PostgresStore) ReleaseCoupon(ctx context.Context, userID, couponID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE coupons SET usage_count=GREATEST(usage_count-1, 0) WHERE id=$1`, couponID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `UPDATE user_coupons SET usage_count=GREATEST(usage_count-1, 0)
			WHERE user_id=$1 AND coupon_id=$2`, userID, couponID)
		return err
	})
}

func (p *PostgresStore) CreateMerchant(ctx context.Context, m *models.Merchant) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO merchants(id, name, email, business_type, address,
		lat, lon, active, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.Name, m.Email, m.BusinessType, m.Address, m.Loc.Lat, m.Loc.Lon, m.Active, m.CreatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) CreateMerchantCoupon(ctx context.Context, c *models.MerchantCoupon) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO merchant_coupons(id, merchant_id, code, title, description,
		discount_type, discount_value, min_purchase, max_discount, valid_from, valid_until, usage_limit,
		usage_count, min_rides_required, min_fare_spent, radius_km, active, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		c.ID, c.MerchantID, c.Code, c.Title, c.Description, c.DiscountType, c.DiscountValue, c.MinPurchase,
		nullFloat(c.MaxDiscount), c.ValidFrom, c.ValidUntil, nullInt(c.UsageLimit), c.UsageCount,
		c.MinRidesRequired, c.MinFareSpent, c.RadiusKm, c.Active, c.CreatedAt)
	if err != nil {
		return mapPQError(mapFKError(err))
	}
	return nil
}

const offerColumns = `c.id, c.merchant_id, c.code, c.title, c.description, c.discount_type,
	c.discount_value, c.min_purchase, c.max_discount, c.valid_from, c.valid_until, c.usage_limit,
	c.usage_count, c.min_rides_required, c.min_fare_spent, c.radius_km, c.active, c.created_at,
	m.id, m.name, m.email, m.business_type, m.address, m.lat, m.lon, m.active, m.created_at`

func scanOffer(row rowScanner) (*models.MerchantOffer, error) {
	var (
		o        models.MerchantOffer
		maxDisc  sql.NullFloat64
		usageCap sql.NullInt64
	)
	c, m := &o.Coupon, &o.Merchant
	err := row.Scan(&c.ID, &c.MerchantID, &c.Code, &c.Title, &c.Description, &c.DiscountType,
		&c.DiscountValue, &c.MinPurchase, &maxDisc, &c.ValidFrom, &c.ValidUntil, &usageCap,
		&c.UsageCount, &c.MinRidesRequired, &c.MinFareSpent, &c.RadiusKm, &c.Active, &c.CreatedAt,
		&m.ID, &m.Name, &m.Email, &m.BusinessType, &m.Address, &m.Loc.Lat, &m.Loc.Lon, &m.Active, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if maxDisc.Valid {
		v := maxDisc.Float64
		c.MaxDiscount = &v
	}
	if usageCap.Valid {
		v := int(usageCap.Int64)
		c.UsageLimit = &v
	}
	return &o, nil
}

func (p *PostgresStore) GetMerchantCoupon(ctx context.Context, id string) (*models.MerchantOffer, error) {
	return scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM merchant_coupons c
		JOIN merchants m ON m.id = c.merchant_id WHERE c.id=$1`, id))
}

func (p *PostgresStore) ListActiveMerchantOffers(ctx context.Context) ([]models.MerchantOffer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM merchant_coupons c
		JOIN merchants m ON m.id = c.merchant_id WHERE c.active AND m.active ORDER BY c.seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.MerchantOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RiderStats(ctx context.Context, userID string) (RiderStats, error) {
	var st RiderStats
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(final_fare), 0) FROM rides
		WHERE rider_id=$1 AND status='completed'`, userID).Scan(&st.CompletedRides, &st.TotalSpent)
	return st, err
}

func (p *PostgresStore) HasRedeemed(ctx context.Context, userID, couponID string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM coupon_redemptions
		WHERE user_id=$1 AND merchant_coupon_id=$2)`, userID, couponID).Scan(&ok)
	return ok, err
}

func (p *PostgresStore) RedeemMerchantCoupon(ctx context.Context, red *models.CouponRedemption) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var (
			used     int
			usageCap sql.NullInt64
		)
		err := tx.QueryRowContext(ctx, `SELECT usage_count, usage_limit FROM merchant_coupons
			WHERE id=$1 FOR UPDATE`, red.MerchantCouponID).Scan(&used, &usageCap)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var dup bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM coupon_redemptions
			WHERE user_id=$1 AND merchant_coupon_id=$2)`, red.UserID, red.MerchantCouponID).Scan(&dup); err != nil {
			return err
		}
		if dup {
			return ErrConflict
		}
		if usageCap.Valid && int64(used) >= usageCap.Int64 {
			return ErrLimitReached
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO coupon_redemptions(id, user_id, merchant_coupon_id,
			ride_id, redeemed_at) VALUES($1,$2,$3,$4,$5)`,
			red.ID, red.UserID, red.MerchantCouponID, red.RideID, red.RedeemedAt); err != nil {
			return mapPQError(err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE merchant_coupons SET usage_count=usage_count+1 WHERE id=$1`, red.MerchantCouponID)
		return err
	})
}
