package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes a schema script, typically migrations/001_init.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const rideColumns = `id, rider_id, driver_id, pickup, destination, pickup_lat, pickup_lon,
	dest_lat, dest_lon, status, handle, fare, discount, final_fare, coupon_id,
	created_at, updated_at, assigned_at, completed_at`

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                      models.Ride
		driverID, couponID     sql.NullString
		pLat, pLon, dLat, dLon sql.NullFloat64
		handle                 sql.NullInt64
		assignedAt, doneAt     sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RiderID, &driverID, &r.Pickup, &r.Destination, &pLat, &pLon,
		&dLat, &dLon, &r.Status, &handle, &r.Fare, &r.Discount, &r.FinalFare, &couponID,
		&r.CreatedAt, &r.UpdatedAt, &assignedAt, &doneAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CouponID = couponID.String
	r.Handle = int(handle.Int64)
	if pLat.Valid && pLon.Valid {
		r.PickupLoc = &models.Coord{Lat: pLat.Float64, Lon: pLon.Float64}
	}
	if dLat.Valid && dLon.Valid {
		r.DestLoc = &models.Coord{Lat: dLat.Float64, Lon: dLon.Float64}
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		r.AssignedAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullHandle(h int) sql.NullInt64 { return sql.NullInt64{Int64: int64(h), Valid: h != 0} }

func nullCoord(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	pLat, pLon := nullCoord(r.PickupLoc)
	dLat, dLon := nullCoord(r.DestLoc)
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, driver_id, pickup, destination,
		pickup_lat, pickup_lon, dest_lat, dest_lon, status, handle, fare, discount, final_fare,
		coupon_id, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.RiderID, nullString(r.DriverID), r.Pickup, r.Destination, pLat, pLon, dLat, dLon,
		r.Status, nullHandle(r.Handle), r.Fare, r.Discount, r.FinalFare, nullString(r.CouponID),
		r.CreatedAt, r.UpdatedAt)
	return mapPQError(err)
}

func isPQCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

// mapPQError turns unique violations into ErrConflict.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (p *PostgresStore) ListRides(ctx context.Context) ([]models.Ride, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides ORDER BY seq`)
}

func (p *PostgresStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]models.Ride, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY seq`, status)
}

func (p *PostgresStore) queryRides(ctx context.Context, q string, args ...any) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RideByHandle(ctx context.Context, handle int) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE handle=$1 AND status='assigned'`, handle))
}

func (p *PostgresStore) ActiveRideByDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE driver_id=$1 AND status='assigned'`, driverID))
}

// casRide runs an UPDATE guarded by the current status and tells a missing
// ride apart from a status mismatch.
func casRide(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string, update string, args ...any) (*models.Ride, error) {
	r, err := scanRide(q.QueryRowContext(ctx, update+` RETURNING `+rideColumns, args...))
	if !errors.Is(err, ErrNotFound) {
		return r, err
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrConflict
	}
	return nil, ErrNotFound
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from, to models.RideStatus, now time.Time) (*models.Ride, error) {
	return casRide(ctx, p.db, id,
		`UPDATE rides SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`, to, now, id, from)
}

func (p *PostgresStore) AssignRide(ctx context.Context, id string, from models.RideStatus, driverID string, handle int, now time.Time) (*models.Ride, error) {
	r, err := casRide(ctx, p.db, id, `UPDATE rides SET status='assigned', driver_id=$1, handle=$2,
		assigned_at=$3, updated_at=$3 WHERE id=$4 AND status=$5`, driverID, nullHandle(handle), now, id, from)
	return r, mapPQError(err)
}

func (p *PostgresStore) CompleteRide(ctx context.Context, id string, now time.Time) (*models.Ride, error) {
	return casRide(ctx, p.db, id, `UPDATE rides SET status='completed', handle=NULL,
		completed_at=$1, updated_at=$1 WHERE id=$2 AND status='assigned'`, now, id)
}

const requestColumns = `id, ride_id, driver_id, status, distance_km, created_at, responded_at`

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var (
		rq          models.RideRequest
		respondedAt sql.NullTime
	)
	err := row.Scan(&rq.ID, &rq.RideID, &rq.DriverID, &rq.Status, &rq.DistanceKm, &rq.CreatedAt, &respondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		rq.RespondedAt = &t
	}
	return &rq, nil
}

func (p *PostgresStore) CreateRequests(ctx context.Context, reqs []models.RideRequest) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO ride_requests(id, ride_id, driver_id, status,
			distance_km, created_at) VALUES($1,$2,$3,$4,$5,$6)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, rq := range reqs {
			if _, err := stmt.ExecContext(ctx, rq.ID, rq.RideID, rq.DriverID, rq.Status, rq.DistanceKm, rq.CreatedAt); err != nil {
				return mapPQError(mapFKError(err))
			}
		}
		return nil
	})
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	return scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id=$1`, id))
}

func (p *PostgresStore) ListRequestsByRide(ctx context.Context, rideID string) ([]models.RideRequest, error) {
	return p.queryRequests(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE ride_id=$1 ORDER BY seq`, rideID)
}

func (p *PostgresStore) ListPendingRequestsByDriver(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	return p.queryRequests(ctx, `SELECT `+requestColumns+` FROM ride_requests
		WHERE driver_id=$1 AND status='pending' ORDER BY seq`, driverID)
}

func (p *PostgresStore) queryRequests(ctx context.Context, q string, args ...any) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideRequest
	for rows.Next() {
		rq, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rq)
	}
	return out, rows.Err()
}

// lockRideForRequest locks the ride row owning the request; concurrent
// responders for the same ride serialize here.
func lockRideForRequest(ctx context.Context, tx *sql.Tx, requestID string) (*models.RideRequest, *models.Ride, error) {
	rq, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id=$1`, requestID))
	if err != nil {
		return nil, nil, err
	}
	r, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, rq.RideID))
	if err != nil {
		return nil, nil, err
	}
	// re-read under the ride lock
	rq, err = scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id=$1`, requestID))
	return rq, r, err
}

func (p *PostgresStore) AcceptRequest(ctx context.Context, requestID, driverID string, handle int, now time.Time) (*models.Ride, error) {
	var out *models.Ride
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		rq, r, err := lockRideForRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if rq.DriverID != driverID {
			return ErrNotFound
		}
		if r.Status != models.RideSearching {
			return ErrConflict
		}
		if rq.Status != models.RequestPending {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status='accepted', responded_at=$1 WHERE id=$2`, now, requestID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status='expired', responded_at=$1
			WHERE ride_id=$2 AND status='pending'`, now, r.ID); err != nil {
			return err
		}
		out, err = scanRide(tx.QueryRowContext(ctx, `UPDATE rides SET status='assigned', driver_id=$1,
			handle=$2, assigned_at=$3, updated_at=$3 WHERE id=$4 RETURNING `+rideColumns,
			driverID, nullHandle(handle), now, r.ID))
		return mapPQError(err)
	})
	return out, err
}

func (p *PostgresStore) RejectRequest(ctx context.Context, requestID, driverID string, now time.Time) (*models.Ride, error) {
	var out *models.Ride
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		rq, r, err := lockRideForRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if rq.DriverID != driverID || rq.Status != models.RequestPending {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status='rejected', responded_at=$1 WHERE id=$2`, now, requestID); err != nil {
			return err
		}
		out = r
		if r.Status != models.RideSearching {
			return nil
		}
		var open int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ride_requests
			WHERE ride_id=$1 AND status IN ('pending','accepted')`, r.ID).Scan(&open); err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		out, err = scanRide(tx.QueryRowContext(ctx, `UPDATE rides SET status='no_drivers', updated_at=$1
			WHERE id=$2 RETURNING `+rideColumns, now, r.ID))
		return err
	})
	return out, err
}

func (p *PostgresStore) ExpirePendingRequests(ctx context.Context, rideID string, now time.Time) (*models.Ride, int, error) {
	var (
		out *models.Ride
		n   int64
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, rideID))
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status='expired', responded_at=$1
			WHERE ride_id=$2 AND status='pending'`, now, rideID)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		out = r
		if r.Status != models.RideSearching {
			return nil
		}
		out, err = scanRide(tx.QueryRowContext(ctx, `UPDATE rides SET status='no_drivers', updated_at=$1
			WHERE id=$2 RETURNING `+rideColumns, now, rideID))
		return err
	})
	return out, int(n), err
}
