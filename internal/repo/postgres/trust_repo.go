package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slotline/bookguard/internal/domain"
)

type TrustRepository interface {
	GetOrCreate(ctx context.Context, tenantID, customerID int64, phone string) (*domain.TrustScore, error)
	ApplyDelta(ctx context.Context, tenantID, customerID int64, delta int, violation *domain.ViolationType, achievement *domain.AchievementType) (int, error)
	OverrideScore(ctx context.Context, tenantID, customerID int64, score int) (bool, error)
	SetVIP(ctx context.Context, tenantID, customerID int64, vip bool, reason string) (bool, error)
	SetBlockedFlag(ctx context.Context, tenantID, customerID int64, blocked bool) error
	IncrementBookings(ctx context.Context, tenantID, customerID int64) error
	CreatePenalty(ctx context.Context, p *domain.Penalty) (*domain.Penalty, error)
	ResolvePenalty(ctx context.Context, tenantID, id int64, resolvedBy string) (bool, error)
	CountUnresolvedPenalties(ctx context.Context, tenantID, customerID int64, violation domain.ViolationType) (int, error)
	InsertEvent(ctx context.Context, e *domain.TrustEvent) error
}

type trustRepository struct {
	pool *pgxpool.Pool
}

func NewTrustRepository(pool *pgxpool.Pool) TrustRepository {
	return &trustRepository{pool: pool}
}

const trustCols = `id, tenant_id, customer_id, phone, score,
no_shows, no_pickups, late_cancellations, confirmed_no_response,
total_bookings, completed_bookings, on_time_pickups,
is_vip, vip_reason, blocked, created_at, updated_at`

func scanTrust(row pgx.Row) (*domain.TrustScore, error) {
	var t domain.TrustScore
	err := row.Scan(
		&t.ID, &t.TenantID, &t.CustomerID, &t.Phone, &t.Score,
		&t.NoShows, &t.NoPickups, &t.LateCancellations, &t.ConfirmedNoResponse,
		&t.TotalBookings, &t.CompletedBookings, &t.OnTimePickups,
		&t.IsVIP, &t.VIPReason, &t.Blocked, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetOrCreate lazily creates the default score record on first contact.
func (r *trustRepository) GetOrCreate(ctx context.Context, tenantID, customerID int64, phone string) (*domain.TrustScore, error) {
	const insertQ = `
		INSERT INTO trust_scores (tenant_id, customer_id, phone, score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, customer_id) DO NOTHING`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := r.pool.Exec(ctx, insertQ, tenantID, customerID, phone, domain.DefaultTrustScore); err != nil {
		return nil, err
	}

	const selectQ = `SELECT ` + trustCols + ` FROM trust_scores WHERE tenant_id=$1 AND customer_id=$2`
	return scanTrust(r.pool.QueryRow(ctx, selectQ, tenantID, customerID))
}

var violationCounters = map[domain.ViolationType]string{
	domain.ViolationNoShow:         "no_shows",
	domain.ViolationNoPickup:       "no_pickups",
	domain.ViolationLateCancel:     "late_cancellations",
	domain.ViolationNoConfirmation: "confirmed_no_response",
}

var achievementCounters = map[domain.AchievementType]string{
	domain.AchievementCompletedBooking: "completed_bookings",
	domain.AchievementOnTimePickup:     "on_time_pickups",
}

// ApplyDelta adjusts the score, clamped to [0,100] in SQL, and bumps the
// matching counter when the violation/achievement has one. Returns the
// score after the update.
func (r *trustRepository) ApplyDelta(ctx context.Context, tenantID, customerID int64, delta int, violation *domain.ViolationType, achievement *domain.AchievementType) (int, error) {
	counter := ""
	if violation != nil {
		counter = violationCounters[*violation]
	}
	if achievement != nil {
		counter = achievementCounters[*achievement]
	}

	q := `
		UPDATE trust_scores
		SET score = LEAST(100, GREATEST(0, score + $3)), updated_at=now()`
	if counter != "" {
		q += `, ` + counter + ` = ` + counter + ` + 1`
	}
	q += ` WHERE tenant_id=$1 AND customer_id=$2 RETURNING score`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var score int
	if err := r.pool.QueryRow(ctx, q, tenantID, customerID, delta).Scan(&score); err != nil {
		return 0, err
	}
	return score, nil
}

func (r *trustRepository) OverrideScore(ctx context.Context, tenantID, customerID int64, score int) (bool, error) {
	const q = `UPDATE trust_scores SET score=$3, updated_at=now() WHERE tenant_id=$1 AND customer_id=$2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, tenantID, customerID, score)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *trustRepository) SetVIP(ctx context.Context, tenantID, customerID int64, vip bool, reason string) (bool, error) {
	const q = `UPDATE trust_scores SET is_vip=$3, vip_reason=$4, updated_at=now() WHERE tenant_id=$1 AND customer_id=$2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, tenantID, customerID, vip, reason)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *trustRepository) SetBlockedFlag(ctx context.Context, tenantID, customerID int64, blocked bool) error {
	const q = `UPDATE trust_scores SET blocked=$3, updated_at=now() WHERE tenant_id=$1 AND customer_id=$2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q, tenantID, customerID, blocked)
	return err
}

func (r *trustRepository) IncrementBookings(ctx context.Context, tenantID, customerID int64) error {
	const q = `UPDATE trust_scores SET total_bookings = total_bookings + 1, updated_at=now() WHERE tenant_id=$1 AND customer_id=$2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q, tenantID, customerID)
	return err
}

func (r *trustRepository) CreatePenalty(ctx context.Context, p *domain.Penalty) (*domain.Penalty, error) {
	const q = `
		INSERT INTO penalties (tenant_id, customer_id, type, severity, description, resolved, expires_at)
		VALUES ($1,$2,$3,$4,$5,false,$6)
		RETURNING id, created_at`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	err := r.pool.QueryRow(ctx, q, p.TenantID, p.CustomerID, p.Type, p.Severity, p.Description, p.ExpiresAt).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *trustRepository) ResolvePenalty(ctx context.Context, tenantID, id int64, resolvedBy string) (bool, error) {
	const q = `UPDATE penalties SET resolved=true, resolved_by=$3 WHERE tenant_id=$1 AND id=$2 AND resolved=false`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, tenantID, id, resolvedBy)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// CountUnresolvedPenalties is the strike count for one violation type.
// Penalties past their own expiry no longer count.
func (r *trustRepository) CountUnresolvedPenalties(ctx context.Context, tenantID, customerID int64, violation domain.ViolationType) (int, error) {
	const q = `
		SELECT count(*) FROM penalties
		WHERE tenant_id=$1 AND customer_id=$2 AND type=$3 AND resolved=false
		  AND (expires_at IS NULL OR expires_at > now())`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var count int
	if err := r.pool.QueryRow(ctx, q, tenantID, customerID, violation).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *trustRepository) InsertEvent(ctx context.Context, e *domain.TrustEvent) error {
	const q = `
		INSERT INTO trust_events (tenant_id, customer_id, kind, delta, score_after, reason, actor)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q, e.TenantID, e.CustomerID, e.Kind, e.Delta, e.ScoreAfter, e.Reason, e.Actor)
	return err
}
