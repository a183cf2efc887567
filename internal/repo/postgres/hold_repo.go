package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slotline/bookguard/internal/domain"
)

type HoldRepository interface {
	Create(ctx context.Context, hold *domain.Hold) (*domain.Hold, error)
	GetByID(ctx context.Context, id int64) (*domain.Hold, error)
	FindConflict(ctx context.Context, tenantID int64, branchID *int64, slotStart time.Time, durationMin int) (*domain.SlotConflictError, error)
	Convert(ctx context.Context, id, appointmentID int64) (bool, error)
	Release(ctx context.Context, id int64, reason string) (bool, error)
	Extend(ctx context.Context, id int64, additionalMinutes int) (*time.Time, error)
	ReleaseExpired(ctx context.Context, batch int) (int64, error)
}

type holdRepository struct {
	pool *pgxpool.Pool
}

func NewHoldRepository(pool *pgxpool.Pool) HoldRepository {
	return &holdRepository{pool: pool}
}

const holdCols = `id, tenant_id, branch_id, slot_start, duration_min,
holder_session, customer_id, status, expires_at, appointment_id,
release_reason, created_at, updated_at`

func scanHold(row pgx.Row) (*domain.Hold, error) {
	var h domain.Hold
	err := row.Scan(
		&h.ID, &h.TenantID, &h.BranchID, &h.SlotStart, &h.DurationMin,
		&h.HolderSession, &h.CustomerID, &h.Status, &h.ExpiresAt, &h.AppointmentID,
		&h.ReleaseReason, &h.CreatedAt, &h.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// slotLockKey is the advisory lock serializing hold creation for one
// tenant+branch calendar. A nil branch is its own calendar.
func slotLockKey(tenantID int64, branchID *int64) int64 {
	b := int64(-1)
	if branchID != nil {
		b = *branchID
	}
	return advisoryKey("hold:%d:%d", tenantID, b)
}

// Create inserts a hold only when no active hold and no live appointment
// overlaps the requested window. The check and the insert run in one
// transaction under an advisory lock on the tenant+branch calendar: a
// second claim for the same calendar waits on the lock and then sees the
// winner's committed row, so at most one of two racing claims succeeds.
// The loser gets nil, nil and resolves the conflict via FindConflict.
func (r *holdRepository) Create(ctx context.Context, hold *domain.Hold) (*domain.Hold, error) {
	const q = `
		INSERT INTO holds (
			tenant_id, branch_id, slot_start, duration_min,
			holder_session, customer_id, status, expires_at, release_reason
		)
		SELECT $1, $2, $3, $4, $5, $6, 'active', $7, ''
		WHERE NOT EXISTS (
			SELECT 1 FROM holds h
			WHERE h.tenant_id = $1
			  AND h.branch_id IS NOT DISTINCT FROM $2
			  AND h.status = 'active'
			  AND h.expires_at > now()
			  AND tstzrange(h.slot_start, h.slot_start + make_interval(mins => h.duration_min))
			      && tstzrange($3::timestamptz, $3::timestamptz + make_interval(mins => $4))
		)
		AND NOT EXISTS (
			SELECT 1 FROM appointments a
			WHERE a.tenant_id = $1
			  AND a.branch_id IS NOT DISTINCT FROM $2
			  AND a.status IN ('pending', 'confirmed')
			  AND tstzrange(a.scheduled_at, a.scheduled_at + make_interval(mins => a.duration_min))
			      && tstzrange($3::timestamptz, $3::timestamptz + make_interval(mins => $4))
		)
		RETURNING ` + holdCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, slotLockKey(hold.TenantID, hold.BranchID)); err != nil {
		return nil, err
	}

	created, err := scanHold(tx.QueryRow(ctx, q,
		hold.TenantID, hold.BranchID, hold.SlotStart, hold.DurationMin,
		hold.HolderSession, hold.CustomerID, hold.ExpiresAt,
	))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func (r *holdRepository) GetByID(ctx context.Context, id int64) (*domain.Hold, error) {
	const q = `SELECT ` + holdCols + ` FROM holds WHERE id=$1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return scanHold(r.pool.QueryRow(ctx, q, id))
}

// FindConflict identifies what occupies an overlapping window: an active
// hold or a live appointment. Used after Create returns no row. A nil
// conflict means the window freed up between the two reads.
func (r *holdRepository) FindConflict(ctx context.Context, tenantID int64, branchID *int64, slotStart time.Time, durationMin int) (*domain.SlotConflictError, error) {
	const holdQ = `
		SELECT id FROM holds
		WHERE tenant_id = $1
		  AND branch_id IS NOT DISTINCT FROM $2
		  AND status = 'active'
		  AND expires_at > now()
		  AND tstzrange(slot_start, slot_start + make_interval(mins => duration_min))
		      && tstzrange($3::timestamptz, $3::timestamptz + make_interval(mins => $4))
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var id int64
	err := r.pool.QueryRow(ctx, holdQ, tenantID, branchID, slotStart, durationMin).Scan(&id)
	if err == nil {
		return &domain.SlotConflictError{Sentinel: domain.ErrSlotHeld, ConflictingID: id}, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	const apptQ = `
		SELECT id FROM appointments
		WHERE tenant_id = $1
		  AND branch_id IS NOT DISTINCT FROM $2
		  AND status IN ('pending', 'confirmed')
		  AND tstzrange(scheduled_at, scheduled_at + make_interval(mins => duration_min))
		      && tstzrange($3::timestamptz, $3::timestamptz + make_interval(mins => $4))
		LIMIT 1`

	err = r.pool.QueryRow(ctx, apptQ, tenantID, branchID, slotStart, durationMin).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.SlotConflictError{Sentinel: domain.ErrSlotBooked, ConflictingID: id}, nil
}

// Convert succeeds only while the hold is still active and unexpired, so a
// hold cannot be converted after the sweep released it.
func (r *holdRepository) Convert(ctx context.Context, id, appointmentID int64) (bool, error) {
	const q = `
		UPDATE holds
		SET status='converted', appointment_id=$2, updated_at=now()
		WHERE id=$1 AND status='active' AND expires_at > now()`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id, appointmentID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *holdRepository) Release(ctx context.Context, id int64, reason string) (bool, error) {
	const q = `
		UPDATE holds
		SET status='released', release_reason=$2, updated_at=now()
		WHERE id=$1 AND status='active'`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *holdRepository) Extend(ctx context.Context, id int64, additionalMinutes int) (*time.Time, error) {
	const q = `
		UPDATE holds
		SET expires_at = expires_at + make_interval(mins => $2), updated_at=now()
		WHERE id=$1 AND status='active' AND expires_at > now()
		RETURNING expires_at`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var expiresAt time.Time
	err := r.pool.QueryRow(ctx, q, id, additionalMinutes).Scan(&expiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &expiresAt, nil
}

// ReleaseExpired flips active holds past expiry to expired. The status
// guard in the UPDATE makes it safe against a concurrent convert; SKIP
// LOCKED keeps overlapping sweep invocations from contending.
func (r *holdRepository) ReleaseExpired(ctx context.Context, batch int) (int64, error) {
	if batch <= 0 || batch > 500 {
		batch = 100
	}

	const q = `
		UPDATE holds
		SET status='expired', release_reason='expired', updated_at=now()
		WHERE id IN (
			SELECT id FROM holds
			WHERE status='active' AND expires_at < now()
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		AND status='active'`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, batch)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
