package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slotline/bookguard/internal/domain"
)

// ReferenceEntity is the slice of an appointment/reservation/order the
// dispatcher needs: status for side effects, the scheduled time and contact
// for rendering messages.
type ReferenceEntity struct {
	ID           int64
	TenantID     int64
	Status       string
	ScheduledAt  time.Time
	CustomerID   *int64
	Phone        string
	CustomerName string
}

type ReferenceRepository interface {
	Get(ctx context.Context, refType domain.ReferenceType, tenantID, id int64) (*ReferenceEntity, error)
	SetStatus(ctx context.Context, refType domain.ReferenceType, tenantID, id int64, status string) (bool, error)
	ListNeedingReminder(ctx context.Context, refType domain.ReferenceType, kind domain.ConfirmationKind, from, until time.Time, batch int) ([]ReferenceEntity, error)
}

type referenceRepository struct {
	pool *pgxpool.Pool
}

func NewReferenceRepository(pool *pgxpool.Pool) ReferenceRepository {
	return &referenceRepository{pool: pool}
}

// Table and column names come from the static binding table keyed by
// reference type, never from caller input.
func (r *referenceRepository) Get(ctx context.Context, refType domain.ReferenceType, tenantID, id int64) (*ReferenceEntity, error) {
	binding, ok := refType.Binding()
	if !ok {
		return nil, domain.ErrUnknownReference
	}

	q := fmt.Sprintf(
		`SELECT id, tenant_id, status, %s, customer_id, phone, customer_name FROM %s WHERE tenant_id=$1 AND id=$2`,
		binding.TimeColumn, binding.Table,
	)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var e ReferenceEntity
	err := r.pool.QueryRow(ctx, q, tenantID, id).Scan(
		&e.ID, &e.TenantID, &e.Status, &e.ScheduledAt, &e.CustomerID, &e.Phone, &e.CustomerName,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *referenceRepository) SetStatus(ctx context.Context, refType domain.ReferenceType, tenantID, id int64, status string) (bool, error) {
	binding, ok := refType.Binding()
	if !ok {
		return false, domain.ErrUnknownReference
	}

	q := fmt.Sprintf(
		`UPDATE %s SET status=$3, updated_at=now() WHERE tenant_id=$1 AND id=$2 AND status != $3`,
		binding.Table,
	)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, tenantID, id, status)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ListNeedingReminder selects confirmed entities whose scheduled time falls
// inside the reminder window and which have no confirmation of the given
// kind yet. The unique index on confirmations keeps the subsequent insert
// idempotent even if two sweeps pick the same entity.
func (r *referenceRepository) ListNeedingReminder(ctx context.Context, refType domain.ReferenceType, kind domain.ConfirmationKind, from, until time.Time, batch int) ([]ReferenceEntity, error) {
	binding, ok := refType.Binding()
	if !ok {
		return nil, domain.ErrUnknownReference
	}
	if batch <= 0 || batch > 500 {
		batch = 100
	}

	q := fmt.Sprintf(`
		SELECT e.id, e.tenant_id, e.status, e.%s, e.customer_id, e.phone, e.customer_name
		FROM %s e
		WHERE e.status = '%s'
		  AND e.%s >= $1 AND e.%s < $2
		  AND NOT EXISTS (
			SELECT 1 FROM confirmations c
			WHERE c.tenant_id = e.tenant_id
			  AND c.reference_type = $3
			  AND c.reference_id = e.id
			  AND c.kind = $4
		  )
		ORDER BY e.%s
		LIMIT $5`,
		binding.TimeColumn, binding.Table, binding.ConfirmedStatus, binding.TimeColumn, binding.TimeColumn, binding.TimeColumn,
	)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, from, until, refType, kind, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []ReferenceEntity
	for rows.Next() {
		var e ReferenceEntity
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Status, &e.ScheduledAt, &e.CustomerID, &e.Phone, &e.CustomerName); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
