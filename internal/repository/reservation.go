package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/apperrors"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/models"
)

// uniqueViolation is the Postgres error code backing the partial unique index on
// pickup_code; it only ever fires if two creations race past the in-transaction check.
const uniqueViolation = "23505"

type LockerRepository struct {
	db *sql.DB
}

func NewLockerRepository(db *sql.DB) *LockerRepository {
	return &LockerRepository{db: db}
}

const reservationColumns = `id, tracking_number, recipient_name, recipient_phone, size,
		slot_id, pickup_code, pin, status, reserved_at, expires_at,
		delivered_at, picked_up_at, cancelled_at, cancel_reason`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	res := &models.Reservation{}
	var pin, cancelReason sql.NullString
	var deliveredAt, pickedUpAt, cancelledAt sql.NullTime
	err := row.Scan(
		&res.ID, &res.TrackingNumber, &res.RecipientName, &res.RecipientPhone, &res.Size,
		&res.SlotID, &res.PickupCode, &pin, &res.Status, &res.ReservedAt, &res.ExpiresAt,
		&deliveredAt, &pickedUpAt, &cancelledAt, &cancelReason,
	)
	if err != nil {
		return nil, err
	}
	res.PIN = pin.String
	res.CancelReason = cancelReason.String
	res.DeliveredAt = deliveredAt.Time
	res.PickedUpAt = pickedUpAt.Time
	res.CancelledAt = cancelledAt.Time
	return res, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateReservation claims one AVAILABLE slot matching the criteria and inserts the
// reservation inside a single transaction. The row lock from SKIP LOCKED is scoped to
// the transaction, so a losing concurrent claim either picks the next candidate or sees
// zero rows and fails with ErrNoAvailableSlot.
func (r *LockerRepository) CreateReservation(ctx context.Context, res *models.Reservation, crit models.SlotCriteria) (*models.SlotRef, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var taken bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM reservations WHERE pickup_code=$1 AND status IN ('RESERVED','DELIVERED'))`,
		res.PickupCode,
	).Scan(&taken)
	if err != nil {
		return nil, fmt.Errorf("check pickup code: %w", err)
	}
	if taken {
		return nil, apperrors.ErrCodeTaken
	}

	ref := &models.SlotRef{}
	err = tx.QueryRowContext(ctx, `
		SELECT s.id, s.locker_id, l.location_id
		FROM slots s
		JOIN lockers l ON l.id = s.locker_id
		JOIN locations loc ON loc.id = l.location_id
		WHERE s.status = 'AVAILABLE'
		  AND s.size = $1
		  AND l.status = 'operational'
		  AND loc.status = 'active'
		  AND ($2 = '' OR loc.id = $2)
		ORDER BY s.id
		FOR UPDATE OF s SKIP LOCKED
		LIMIT 1`,
		crit.Size, crit.LocationID,
	).Scan(&ref.SlotID, &ref.LockerID, &ref.LocationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNoAvailableSlot
	}
	if err != nil {
		return nil, fmt.Errorf("select slot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE slots SET status='RESERVED' WHERE id=$1`, ref.SlotID,
	); err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}

	res.SlotID = ref.SlotID
	res.Status = models.ReservationReserved
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (
			id, tracking_number, recipient_name, recipient_phone, size,
			slot_id, pickup_code, pin, status, reserved_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		res.ID, res.TrackingNumber, res.RecipientName, res.RecipientPhone, res.Size,
		res.SlotID, res.PickupCode, nullStr(res.PIN), res.Status, res.ReservedAt, res.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, apperrors.ErrCodeTaken
		}
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ref, nil
}

func (r *LockerRepository) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return res, nil
}

func (r *LockerRepository) GetSlot(ctx context.Context, id string) (*models.Slot, error) {
	s := &models.Slot{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, locker_id, size, status FROM slots WHERE id=$1`, id,
	).Scan(&s.ID, &s.LockerID, &s.Size, &s.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return s, nil
}

func (r *LockerRepository) ConfirmDelivery(ctx context.Context, id string, now time.Time) (*models.Reservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var slotID string
	err = tx.QueryRowContext(ctx,
		`UPDATE reservations SET status='DELIVERED', delivered_at=$2
		 WHERE id=$1 AND status='RESERVED'
		 RETURNING slot_id`,
		id, now,
	).Scan(&slotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.describeMiss(ctx, tx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE slots SET status='OCCUPIED' WHERE id=$1 AND status='RESERVED'`, slotID,
	); err != nil {
		return nil, fmt.Errorf("occupy slot: %w", err)
	}

	res, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
	if err != nil {
		return nil, fmt.Errorf("reload reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// describeMiss turns a zero-row guarded update into the right domain error.
func (r *LockerRepository) describeMiss(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM reservations WHERE id=$1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("describe miss: %w", err)
	}
	if !exists {
		return apperrors.ErrNotFound
	}
	return apperrors.ErrInvalidStateTransition
}

func (r *LockerRepository) CompletePickup(ctx context.Context, code, pin string, pinRequired bool, now time.Time) (*models.Reservation, *models.SlotRef, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE pickup_code=$1 AND status IN ('RESERVED','DELIVERED')
		 FOR UPDATE`,
		code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, r.describeDeadCode(ctx, tx, code, pin, pinRequired)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup by code: %w", err)
	}

	if pinRequired && res.PIN != pin {
		return nil, nil, apperrors.ErrInvalidCredential
	}

	if res.ExpiredAt(now) {
		// Lazy expiry: reclaim here rather than waiting for the sweeper.
		if err := r.expireInTx(ctx, tx, res.ID, res.SlotID); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("commit: %w", err)
		}
		return nil, nil, apperrors.ErrReservationExpired
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status='PICKED_UP', picked_up_at=$2 WHERE id=$1`,
		res.ID, now,
	); err != nil {
		return nil, nil, fmt.Errorf("mark picked up: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE slots SET status='AVAILABLE' WHERE id=$1 AND status IN ('RESERVED','OCCUPIED')`,
		res.SlotID,
	); err != nil {
		return nil, nil, fmt.Errorf("release slot: %w", err)
	}

	ref := &models.SlotRef{SlotID: res.SlotID}
	err = tx.QueryRowContext(ctx,
		`SELECT s.locker_id, l.location_id FROM slots s JOIN lockers l ON l.id=s.locker_id WHERE s.id=$1`,
		res.SlotID,
	).Scan(&ref.LockerID, &ref.LocationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("resolve slot ref: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	res.Status = models.ReservationPickedUp
	res.PickedUpAt = now
	return res, ref, nil
}

// describeDeadCode maps a code with no live reservation onto the taxonomy: a lapsed
// credential reads as expired, a replayed one as an invalid transition, anything else
// as an invalid credential. The PIN is checked first so responses stay uniform.
func (r *LockerRepository) describeDeadCode(ctx context.Context, tx *sql.Tx, code, pin string, pinRequired bool) error {
	res, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE pickup_code=$1 AND status IN ('PICKED_UP','EXPIRED','CANCELLED')
		 ORDER BY reserved_at DESC
		 LIMIT 1`,
		code))
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrInvalidCredential
	}
	if err != nil {
		return fmt.Errorf("lookup terminal by code: %w", err)
	}
	if pinRequired && res.PIN != pin {
		return apperrors.ErrInvalidCredential
	}
	if res.Status == models.ReservationExpired {
		return apperrors.ErrReservationExpired
	}
	return apperrors.ErrInvalidStateTransition
}

func (r *LockerRepository) expireInTx(ctx context.Context, tx *sql.Tx, id, slotID string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status='EXPIRED' WHERE id=$1`, id,
	); err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE slots SET status='AVAILABLE' WHERE id=$1 AND status IN ('RESERVED','OCCUPIED')`,
		slotID,
	); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (r *LockerRepository) CancelReservation(ctx context.Context, id, reason string, now time.Time) (*models.Reservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var slotID string
	err = tx.QueryRowContext(ctx,
		`UPDATE reservations SET status='CANCELLED', cancelled_at=$2, cancel_reason=$3
		 WHERE id=$1 AND status IN ('RESERVED','DELIVERED')
		 RETURNING slot_id`,
		id, now, nullStr(reason),
	).Scan(&slotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.describeMiss(ctx, tx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark cancelled: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE slots SET status='AVAILABLE' WHERE id=$1 AND status IN ('RESERVED','OCCUPIED')`, slotID,
	); err != nil {
		return nil, fmt.Errorf("release slot: %w", err)
	}

	res, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
	if err != nil {
		return nil, fmt.Errorf("reload reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (r *LockerRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM reservations
		 WHERE status IN ('RESERVED','DELIVERED') AND expires_at <= $1
		 ORDER BY expires_at
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpireReservation transitions one lapsed reservation and frees its slot. The guarded
// update makes it idempotent against a racing pickup or a concurrent sweep: whichever
// transaction commits first wins and the loser affects zero rows.
func (r *LockerRepository) ExpireReservation(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var slotID string
	err = tx.QueryRowContext(ctx,
		`UPDATE reservations SET status='EXPIRED'
		 WHERE id=$1 AND status IN ('RESERVED','DELIVERED') AND expires_at <= $2
		 RETURNING slot_id`,
		id, now,
	).Scan(&slotID)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM reservations WHERE id=$1)`, id,
		).Scan(&exists); err != nil {
			return false, fmt.Errorf("check reservation: %w", err)
		}
		if !exists {
			return false, apperrors.ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark expired: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE slots SET status='AVAILABLE' WHERE id=$1 AND status IN ('RESERVED','OCCUPIED')`, slotID,
	); err != nil {
		return false, fmt.Errorf("release slot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *LockerRepository) ListExpiring(ctx context.Context, now time.Time, window time.Duration) ([]*models.Reservation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE status IN ('RESERVED','DELIVERED') AND expires_at > $1 AND expires_at <= $2
		 ORDER BY expires_at`,
		now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("list expiring: %w", err)
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *LockerRepository) Capacity(ctx context.Context, locationID string) (models.Capacity, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM locations WHERE id=$1)`, locationID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check location: %w", err)
	}
	if !exists {
		return nil, apperrors.ErrNotFound
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT s.size, s.status, COUNT(*)
		 FROM slots s
		 JOIN lockers l ON l.id = s.locker_id
		 WHERE l.location_id = $1
		 GROUP BY s.size, s.status`,
		locationID)
	if err != nil {
		return nil, fmt.Errorf("capacity: %w", err)
	}
	defer rows.Close()

	cap := make(models.Capacity)
	for rows.Next() {
		var size models.SizeClass
		var status models.SlotStatus
		var count int
		if err := rows.Scan(&size, &status, &count); err != nil {
			return nil, fmt.Errorf("scan capacity: %w", err)
		}
		if cap[size] == nil {
			cap[size] = make(map[models.SlotStatus]int)
		}
		cap[size][status] = count
	}
	return cap, rows.Err()
}
