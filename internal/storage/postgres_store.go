package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements RideStore and RideRequestStore on top of the
// rides and ride_requests tables (migrations/001_create_core_tables.sql).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, client_id, driver_id, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	vehicle_type, driver_lat, driver_lon, payment_ref, created_at, status_updated_at`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	var dlat, dlon sql.NullFloat64
	if r.DriverLocation != nil {
		dlat = sql.NullFloat64{Float64: r.DriverLocation.Lat, Valid: true}
		dlon = sql.NullFloat64{Float64: r.DriverLocation.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.ClientID, nullString(r.DriverID), r.Status,
		r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.VehicleType, dlat, dlon, nullString(r.PaymentRef), r.CreatedAt, r.StatusUpdatedAt)
	return err
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from, to models.RideStatus, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1, status_updated_at=$2
		WHERE id=$3 AND status=$4`, to, at, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) ClaimPendingRide(ctx context.Context, id, driverID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status='accepted', status_updated_at=$2
		WHERE id=$3 AND status='pending'`, driverID, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) SetPaymentRef(ctx context.Context, id, ref string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET payment_ref=$1 WHERE id=$2`, ref, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_lat=$1, driver_lon=$2 WHERE id=$3`, loc.Lat, loc.Lon, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *PostgresStore) ActiveRideByDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE driver_id=$1 AND status IN ('accepted','arrived','in_progress')
		ORDER BY status_updated_at DESC LIMIT 1`, driverID)
	return scanRide(row)
}

func (p *PostgresStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status='pending' AND created_at < $1 ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateIfAbsent(ctx context.Context, rr *models.RideRequest) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(ride_id, driver_id, status, cancel_reason,
		pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, vehicle_type, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (ride_id, driver_id) DO NOTHING`,
		rr.RideID, rr.DriverID, rr.Status, nullString(rr.CancelReason),
		rr.Pickup.Lat, rr.Pickup.Lon, rr.Dropoff.Lat, rr.Dropoff.Lon, rr.VehicleType, rr.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) GetRequest(ctx context.Context, rideID, driverID string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT ride_id, driver_id, status, cancel_reason,
		pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, vehicle_type, created_at
		FROM ride_requests WHERE ride_id=$1 AND driver_id=$2`, rideID, driverID)
	return scanRequest(row)
}

func (p *PostgresStore) ListPendingByDriver(ctx context.Context, driverID string) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT ride_id, driver_id, status, cancel_reason,
		pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, vehicle_type, created_at
		FROM ride_requests WHERE driver_id=$1 AND status='pending' ORDER BY created_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		rr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionRequest(ctx context.Context, rideID, driverID string, from, to models.RequestStatus, reason string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET status=$1, cancel_reason=$2
		WHERE ride_id=$3 AND driver_id=$4 AND status=$5`,
		to, nullString(reason), rideID, driverID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID, paymentRef sql.NullString
	var dlat, dlon sql.NullFloat64
	err := row.Scan(&r.ID, &r.ClientID, &driverID, &r.Status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.VehicleType, &dlat, &dlon, &paymentRef, &r.CreatedAt, &r.StatusUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.PaymentRef = paymentRef.String
	if dlat.Valid && dlon.Valid {
		r.DriverLocation = &models.Coord{Lat: dlat.Float64, Lon: dlon.Float64}
	}
	return &r, nil
}

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var rr models.RideRequest
	var reason sql.NullString
	err := row.Scan(&rr.RideID, &rr.DriverID, &rr.Status, &reason,
		&rr.Pickup.Lat, &rr.Pickup.Lon, &rr.Dropoff.Lat, &rr.Dropoff.Lon,
		&rr.VehicleType, &rr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rr.CancelReason = reason.String
	return &rr, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
