package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/models"
)

//go:embed migrations/001_dispatch.sql
var migrationSQL string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage/postgres: ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the bundled schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, migrationSQL); err != nil {
		return fmt.Errorf("storage/postgres: migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const selectOrder = `SELECT id, company_ids, branch_ids, lat, lng, delivery_fee, delivery_status,
	rider_id, assignment_type, loc_lat, loc_lng, delivery_updated_at, created_at
	FROM orders WHERE id = $1`

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var (
		o              models.Order
		riderID, aType sql.NullString
		locLat, locLng sql.NullFloat64
		status         string
	)
	err := p.db.QueryRowContext(ctx, selectOrder, id).Scan(
		&o.ID, pq.Array(&o.CompanyIDs), pq.Array(&o.BranchIDs), &o.Coordinates.Lat, &o.Coordinates.Lon,
		&o.DeliveryFee, &status, &riderID, &aType, &locLat, &locLng, &o.Delivery.UpdatedAt, &o.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: get order: %w", err)
	}
	o.Delivery.Status = models.DeliveryStatus(status)
	o.Delivery.RiderID = riderID.String
	o.Delivery.AssignmentType = models.AssignmentType(aType.String)
	if locLat.Valid && locLng.Valid {
		o.Delivery.Location = &models.Coord{Lat: locLat.Float64, Lon: locLng.Float64}
	}

	rows, err := p.db.QueryContext(ctx, `SELECT lat, lng, at, seq FROM order_tracking WHERE order_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: get tracking: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tp models.TrackingPoint
		if err := rows.Scan(&tp.Lat, &tp.Lng, &tp.At, &tp.Seq); err != nil {
			return nil, fmt.Errorf("storage/postgres: scan tracking: %w", err)
		}
		o.Delivery.Tracking = append(o.Delivery.Tracking, tp)
	}
	return &o, rows.Err()
}

func (p *PostgresStore) SaveOrder(ctx context.Context, o *models.Order) error {
	status := o.Delivery.Status
	if status == "" {
		status = models.DeliveryUnassigned
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders(id, company_ids, branch_ids, lat, lng, delivery_fee, delivery_status, rider_id, assignment_type, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''),$10)
		ON CONFLICT (id) DO UPDATE SET company_ids=EXCLUDED.company_ids, branch_ids=EXCLUDED.branch_ids,
			lat=EXCLUDED.lat, lng=EXCLUDED.lng, delivery_fee=EXCLUDED.delivery_fee`,
		o.ID, pq.Array(o.CompanyIDs), pq.Array(o.BranchIDs), o.Coordinates.Lat, o.Coordinates.Lon,
		o.DeliveryFee, string(status), o.Delivery.RiderID, string(o.Delivery.AssignmentType), created)
	if err != nil {
		return fmt.Errorf("storage/postgres: save order: %w", err)
	}
	return nil
}

func (p *PostgresStore) TransitionDelivery(ctx context.Context, id string, from []models.DeliveryStatus, to models.DeliveryStatus, patch DeliveryPatch) (*models.Order, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}
	var riderID, aType interface{}
	if patch.RiderID != nil {
		riderID = *patch.RiderID
	}
	if patch.AssignmentType != nil {
		aType = string(*patch.AssignmentType)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET delivery_status=$2,
			rider_id=COALESCE($3::text, rider_id),
			assignment_type=COALESCE($4::text, assignment_type),
			delivery_updated_at=now()
		WHERE id=$1 AND delivery_status = ANY($5)`,
		id, string(to), riderID, aType, pq.Array(fromStr))
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: transition delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, p.missOrConflict(ctx, "orders", id)
	}
	return p.GetOrder(ctx, id)
}

func (p *PostgresStore) AppendTracking(ctx context.Context, id string, tp models.TrackingPoint, riderID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE orders SET loc_lat=$2, loc_lng=$3,
			rider_id=CASE WHEN delivery_status IN ('Rider Assigned','In Transit')
				THEN COALESCE(rider_id, NULLIF($4,'')) ELSE rider_id END,
			delivery_updated_at=now()
		WHERE id=$1`, id, tp.Lat, tp.Lng, riderID)
	if err != nil {
		return fmt.Errorf("storage/postgres: update location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO order_tracking(order_id, lat, lng, at, seq) VALUES($1,$2,$3,$4,$5)`,
		id, tp.Lat, tp.Lng, tp.At, tp.Seq); err != nil {
		return fmt.Errorf("storage/postgres: append tracking: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone, lat, lng, is_online, is_busy, wallet_balance, updated_at FROM riders WHERE id=$1`, id).Scan(
		&r.ID, &r.Name, &r.Phone, &r.Location.Lat, &r.Location.Lon, &r.IsOnline, &r.IsBusy, &r.WalletBalance, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: get rider: %w", err)
	}
	return &r, nil
}

func (p *PostgresStore) SaveRider(ctx context.Context, r *models.Rider) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO riders(id, name, phone, lat, lng, is_online, is_busy, wallet_balance, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone, updated_at=now()`,
		r.ID, r.Name, r.Phone, r.Location.Lat, r.Location.Lon, r.IsOnline, r.IsBusy, r.WalletBalance)
	if err != nil {
		return fmt.Errorf("storage/postgres: save rider: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdatePresence(ctx context.Context, id string, loc models.Coord, online bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE riders SET lat=$2, lng=$3, is_online=$4, updated_at=now() WHERE id=$1`, id, loc.Lat, loc.Lon, online)
	if err != nil {
		return fmt.Errorf("storage/postgres: update presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetBusy(ctx context.Context, id string, from, to bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE riders SET is_busy=$3, updated_at=now() WHERE id=$1 AND is_busy=$2`, id, from, to)
	if err != nil {
		return fmt.Errorf("storage/postgres: set busy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missOrConflict(ctx, "riders", id)
	}
	return nil
}

func (p *PostgresStore) CreditWallet(ctx context.Context, id string, amount float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE riders SET wallet_balance = wallet_balance + $2, updated_at=now() WHERE id=$1`, id, amount)
	if err != nil {
		return fmt.Errorf("storage/postgres: credit wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// missOrConflict tells a missing row apart from a failed condition after a
// conditional UPDATE touched nothing.
func (p *PostgresStore) missOrConflict(ctx context.Context, table, id string) error {
	var exists bool
	// table is always a package constant, never caller input.
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("storage/postgres: exists %s: %w", table, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}
