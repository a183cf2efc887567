package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slotline/bookguard/internal/domain"
)

type BlockRepository interface {
	CreateIfNone(ctx context.Context, b *domain.Block) (*domain.Block, error)
	GetByID(ctx context.Context, tenantID, id int64) (*domain.Block, error)
	FindActive(ctx context.Context, tenantID int64, phone string, customerID *int64) (*domain.Block, error)
	ListUnblockDue(ctx context.Context, batch int) ([]domain.Block, error)
	ClaimUnblock(ctx context.Context, id int64) (bool, error)
	ManualUnblock(ctx context.Context, tenantID, id int64, actor string) (bool, error)
}

type blockRepository struct {
	pool *pgxpool.Pool
}

func NewBlockRepository(pool *pgxpool.Pool) BlockRepository {
	return &blockRepository{pool: pool}
}

const blockCols = `id, tenant_id, customer_id, phone, reason, details,
active, unblock_at, unblocked_at, unblocked_by, unblock_processed, created_at`

func scanBlock(row pgx.Row) (*domain.Block, error) {
	var b domain.Block
	var unblockedBy *string
	err := row.Scan(
		&b.ID, &b.TenantID, &b.CustomerID, &b.Phone, &b.Reason, &b.Details,
		&b.Active, &b.UnblockAt, &b.UnblockedAt, &unblockedBy, &b.UnblockProcessed, &b.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if unblockedBy != nil {
		b.UnblockedBy = *unblockedBy
	}
	return &b, nil
}

// CreateIfNone inserts an active block only when the customer has none.
// Same shape as hold creation: the existence check and the insert run in
// one transaction under a per-tenant advisory lock, so two racing writers
// cannot both pass the NOT EXISTS and insert duplicate active blocks.
func (r *blockRepository) CreateIfNone(ctx context.Context, b *domain.Block) (*domain.Block, error) {
	const q = `
		INSERT INTO blocks (tenant_id, customer_id, phone, reason, details, active, unblock_at, unblock_processed)
		SELECT $1, $2, $3, $4, $5, true, $6, false
		WHERE NOT EXISTS (
			SELECT 1 FROM blocks
			WHERE tenant_id = $1
			  AND active
			  AND (phone = $3 OR ($2::bigint IS NOT NULL AND customer_id = $2))
		)
		RETURNING ` + blockCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey("block:%d", b.TenantID)); err != nil {
		return nil, err
	}

	created, err := scanBlock(tx.QueryRow(ctx, q,
		b.TenantID, b.CustomerID, b.Phone, b.Reason, b.Details, b.UnblockAt,
	))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func (r *blockRepository) GetByID(ctx context.Context, tenantID, id int64) (*domain.Block, error) {
	const q = `SELECT ` + blockCols + ` FROM blocks WHERE tenant_id=$1 AND id=$2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return scanBlock(r.pool.QueryRow(ctx, q, tenantID, id))
}

func (r *blockRepository) FindActive(ctx context.Context, tenantID int64, phone string, customerID *int64) (*domain.Block, error) {
	const q = `
		SELECT ` + blockCols + ` FROM blocks
		WHERE tenant_id = $1
		  AND active
		  AND (phone = $2 OR ($3::bigint IS NOT NULL AND customer_id = $3))
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return scanBlock(r.pool.QueryRow(ctx, q, tenantID, phone, customerID))
}

func (r *blockRepository) ListUnblockDue(ctx context.Context, batch int) ([]domain.Block, error) {
	if batch <= 0 || batch > 500 {
		batch = 100
	}

	const q = `
		SELECT ` + blockCols + ` FROM blocks
		WHERE active
		  AND unblock_processed = false
		  AND unblock_at IS NOT NULL
		  AND unblock_at < now()
		ORDER BY unblock_at
		LIMIT $1`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []domain.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *b)
	}
	return blocks, rows.Err()
}

// ClaimUnblock deactivates a due block; the unblock_processed guard keeps
// overlapping sweep invocations from double-processing.
func (r *blockRepository) ClaimUnblock(ctx context.Context, id int64) (bool, error) {
	const q = `
		UPDATE blocks
		SET active=false, unblocked_at=now(), unblocked_by='sweep', unblock_processed=true
		WHERE id=$1
		  AND active
		  AND unblock_processed=false
		  AND unblock_at IS NOT NULL
		  AND unblock_at < now()`

	return claim(ctx, r.pool, q, id)
}

func (r *blockRepository) ManualUnblock(ctx context.Context, tenantID, id int64, actor string) (bool, error) {
	const q = `
		UPDATE blocks
		SET active=false, unblocked_at=now(), unblocked_by=$3, unblock_processed=true
		WHERE tenant_id=$1 AND id=$2 AND active`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, tenantID, id, actor)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}
