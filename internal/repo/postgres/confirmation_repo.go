package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slotline/bookguard/internal/domain"
)

type ConfirmationRepository interface {
	Create(ctx context.Context, c *domain.Confirmation) (*domain.Confirmation, error)
	GetByID(ctx context.Context, tenantID, id int64) (*domain.Confirmation, error)
	ResetForResend(ctx context.Context, tenantID, id int64, expiresAt time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, messageID string, attempts int) (bool, error)
	MarkFailed(ctx context.Context, id int64, attempts int) (bool, error)
	MarkDelivered(ctx context.Context, tenantID int64, messageID string) (bool, error)
	MarkRead(ctx context.Context, tenantID int64, messageID string) (bool, error)
	RecordResponse(ctx context.Context, tenantID, id int64, response domain.ConfirmationResponse) (bool, error)
	ListExpired(ctx context.Context, batch int) ([]domain.Confirmation, error)
	ClaimAutoAction(ctx context.Context, id int64) (bool, error)
}

type confirmationRepository struct {
	pool *pgxpool.Pool
}

func NewConfirmationRepository(pool *pgxpool.Pool) ConfirmationRepository {
	return &confirmationRepository{pool: pool}
}

const confirmationCols = `id, tenant_id, reference_type, reference_id, kind,
channel, recipient, customer_name, status, expires_at, response, message_id,
auto_action, auto_action_executed, deposit_amount_cents, attempts, created_at, updated_at`

func scanConfirmation(row pgx.Row) (*domain.Confirmation, error) {
	var c domain.Confirmation
	err := row.Scan(
		&c.ID, &c.TenantID, &c.ReferenceType, &c.ReferenceID, &c.Kind,
		&c.Channel, &c.Recipient, &c.CustomerName, &c.Status, &c.ExpiresAt, &c.Response, &c.MessageID,
		&c.AutoAction, &c.AutoActionExecuted, &c.DepositAmountCents, &c.Attempts, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a pending confirmation. One confirmation per
// (tenant, reference, kind); a duplicate request returns the existing row
// so reminder scheduling stays idempotent.
func (r *confirmationRepository) Create(ctx context.Context, c *domain.Confirmation) (*domain.Confirmation, error) {
	const q = `
		INSERT INTO confirmations (
			tenant_id, reference_type, reference_id, kind, channel,
			recipient, customer_name, status, expires_at, auto_action,
			auto_action_executed, deposit_amount_cents, attempts
		) VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',$8,$9,false,$10,0)
		ON CONFLICT (tenant_id, reference_type, reference_id, kind) DO NOTHING
		RETURNING ` + confirmationCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	created, err := scanConfirmation(r.pool.QueryRow(ctx, q,
		c.TenantID, c.ReferenceType, c.ReferenceID, c.Kind, c.Channel,
		c.Recipient, c.CustomerName, c.ExpiresAt, c.AutoAction, c.DepositAmountCents,
	))
	if err != nil {
		return nil, err
	}
	if created != nil {
		return created, nil
	}

	const existingQ = `
		SELECT ` + confirmationCols + ` FROM confirmations
		WHERE tenant_id=$1 AND reference_type=$2 AND reference_id=$3 AND kind=$4`
	return scanConfirmation(r.pool.QueryRow(ctx, existingQ, c.TenantID, c.ReferenceType, c.ReferenceID, c.Kind))
}

func (r *confirmationRepository) GetByID(ctx context.Context, tenantID, id int64) (*domain.Confirmation, error) {
	const q = `SELECT ` + confirmationCols + ` FROM confirmations WHERE tenant_id=$1 AND id=$2`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return scanConfirmation(r.pool.QueryRow(ctx, q, tenantID, id))
}

// ResetForResend rewinds a confirmation to pending for an in-place resend.
// Only pending, sent and failed records may be rewound.
func (r *confirmationRepository) ResetForResend(ctx context.Context, tenantID, id int64, expiresAt time.Time) (bool, error) {
	const q = `
		UPDATE confirmations
		SET status='pending', message_id=NULL, attempts=0, expires_at=$3, updated_at=now()
		WHERE tenant_id=$1 AND id=$2 AND status IN ('pending','sent','failed')`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, tenantID, id, expiresAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *confirmationRepository) MarkSent(ctx context.Context, id int64, messageID string, attempts int) (bool, error) {
	const q = `
		UPDATE confirmations
		SET status='sent', message_id=$2, attempts=$3, updated_at=now()
		WHERE id=$1 AND status='pending'`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id, messageID, attempts)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *confirmationRepository) MarkFailed(ctx context.Context, id int64, attempts int) (bool, error) {
	const q = `
		UPDATE confirmations
		SET status='failed', attempts=$2, updated_at=now()
		WHERE id=$1 AND status='pending'`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id, attempts)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkDelivered and MarkRead are webhook driven and scoped by tenant in
// addition to message id. The status guards make out-of-order or duplicate
// callbacks no-ops.
func (r *confirmationRepository) MarkDelivered(ctx context.Context, tenantID int64, messageID string) (bool, error) {
	const q = `
		UPDATE confirmations
		SET status='delivered', updated_at=now()
		WHERE tenant_id=$1 AND message_id=$2 AND status='sent'`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, tenantID, messageID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *confirmationRepository) MarkRead(ctx context.Context, tenantID int64, messageID string) (bool, error) {
	const q = `
		UPDATE confirmations
		SET status='read', updated_at=now()
		WHERE tenant_id=$1 AND message_id=$2 AND status IN ('sent','delivered')`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, tenantID, messageID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *confirmationRepository) RecordResponse(ctx context.Context, tenantID, id int64, response domain.ConfirmationResponse) (bool, error) {
	const q = `
		UPDATE confirmations
		SET status='responded', response=$3, updated_at=now()
		WHERE tenant_id=$1 AND id=$2 AND status IN ('pending','sent','delivered','read')`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, tenantID, id, response)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *confirmationRepository) ListExpired(ctx context.Context, batch int) ([]domain.Confirmation, error) {
	if batch <= 0 || batch > 500 {
		batch = 100
	}

	const q = `
		SELECT ` + confirmationCols + ` FROM confirmations
		WHERE status IN ('pending','sent','delivered','read')
		  AND expires_at < now()
		  AND auto_action_executed = false
		ORDER BY expires_at
		LIMIT $1`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var confirmations []domain.Confirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		confirmations = append(confirmations, *c)
	}
	return confirmations, rows.Err()
}

// ClaimAutoAction flips auto_action_executed false->true and marks the
// record expired in the same statement. A zero-row result means another
// sweep invocation already owns this confirmation.
func (r *confirmationRepository) ClaimAutoAction(ctx context.Context, id int64) (bool, error) {
	const q = `
		UPDATE confirmations
		SET auto_action_executed=true, status='expired', updated_at=now()
		WHERE id=$1
		  AND auto_action_executed=false
		  AND status IN ('pending','sent','delivered','read')`

	return claim(ctx, r.pool, q, id)
}
