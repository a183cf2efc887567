package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slotline/bookguard/internal/domain"
)

type PolicyRepository interface {
	Resolve(ctx context.Context, tenantID int64, vertical string, branchID *int64) (*domain.Policy, error)
	Upsert(ctx context.Context, p *domain.Policy) (*domain.Policy, error)
}

type policyRepository struct {
	pool *pgxpool.Pool
}

func NewPolicyRepository(pool *pgxpool.Pool) PolicyRepository {
	return &policyRepository{pool: pool}
}

const policyCols = `id, tenant_id, vertical, branch_id, is_default,
confirmation_required, confirmation_threshold, deposit_enabled, deposit_threshold, block_threshold,
deposit_percent_of_service, deposit_amount_cents,
penalty_no_show, penalty_no_pickup, penalty_late_cancel, penalty_no_confirmation,
penalty_abuse, penalty_fraud, penalty_other, reward_completed, reward_on_time_pickup,
auto_block_no_shows, auto_block_no_pickups, auto_block_duration_hours,
hold_minutes, hold_buffer_minutes, confirmation_timeout_hours,
reminder_first_hours, reminder_final_hours, created_at, updated_at`

func scanPolicy(row pgx.Row) (*domain.Policy, error) {
	var p domain.Policy
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Vertical, &p.BranchID, &p.IsDefault,
		&p.ConfirmationRequired, &p.ConfirmationThreshold, &p.DepositEnabled, &p.DepositThreshold, &p.BlockThreshold,
		&p.DepositPercentOfService, &p.DepositAmountCents,
		&p.PenaltyNoShow, &p.PenaltyNoPickup, &p.PenaltyLateCancel, &p.PenaltyNoConfirmation,
		&p.PenaltyAbuse, &p.PenaltyFraud, &p.PenaltyOther, &p.RewardCompleted, &p.RewardOnTimePickup,
		&p.AutoBlockNoShows, &p.AutoBlockNoPickups, &p.AutoBlockDurationHours,
		&p.HoldMinutes, &p.HoldBufferMinutes, &p.ConfirmationTimeoutHours,
		&p.ReminderFirstHours, &p.ReminderFinalHours, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Resolve looks up the branch-specific policy first and falls back to the
// vertical default. No merge: a branch policy is used wholesale.
func (r *policyRepository) Resolve(ctx context.Context, tenantID int64, vertical string, branchID *int64) (*domain.Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if branchID != nil {
		const branchQ = `
			SELECT ` + policyCols + ` FROM policies
			WHERE tenant_id=$1 AND vertical=$2 AND branch_id=$3`
		p, err := scanPolicy(r.pool.QueryRow(ctx, branchQ, tenantID, vertical, *branchID))
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}

	const defaultQ = `
		SELECT ` + policyCols + ` FROM policies
		WHERE tenant_id=$1 AND vertical=$2 AND branch_id IS NULL AND is_default`
	return scanPolicy(r.pool.QueryRow(ctx, defaultQ, tenantID, vertical))
}

func (r *policyRepository) Upsert(ctx context.Context, p *domain.Policy) (*domain.Policy, error) {
	const q = `
		INSERT INTO policies (
			tenant_id, vertical, branch_id, is_default,
			confirmation_required, confirmation_threshold, deposit_enabled, deposit_threshold, block_threshold,
			deposit_percent_of_service, deposit_amount_cents,
			penalty_no_show, penalty_no_pickup, penalty_late_cancel, penalty_no_confirmation,
			penalty_abuse, penalty_fraud, penalty_other, reward_completed, reward_on_time_pickup,
			auto_block_no_shows, auto_block_no_pickups, auto_block_duration_hours,
			hold_minutes, hold_buffer_minutes, confirmation_timeout_hours,
			reminder_first_hours, reminder_final_hours
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28
		)
		ON CONFLICT (tenant_id, vertical, COALESCE(branch_id, 0)) DO UPDATE SET
			is_default = EXCLUDED.is_default,
			confirmation_required = EXCLUDED.confirmation_required,
			confirmation_threshold = EXCLUDED.confirmation_threshold,
			deposit_enabled = EXCLUDED.deposit_enabled,
			deposit_threshold = EXCLUDED.deposit_threshold,
			block_threshold = EXCLUDED.block_threshold,
			deposit_percent_of_service = EXCLUDED.deposit_percent_of_service,
			deposit_amount_cents = EXCLUDED.deposit_amount_cents,
			penalty_no_show = EXCLUDED.penalty_no_show,
			penalty_no_pickup = EXCLUDED.penalty_no_pickup,
			penalty_late_cancel = EXCLUDED.penalty_late_cancel,
			penalty_no_confirmation = EXCLUDED.penalty_no_confirmation,
			penalty_abuse = EXCLUDED.penalty_abuse,
			penalty_fraud = EXCLUDED.penalty_fraud,
			penalty_other = EXCLUDED.penalty_other,
			reward_completed = EXCLUDED.reward_completed,
			reward_on_time_pickup = EXCLUDED.reward_on_time_pickup,
			auto_block_no_shows = EXCLUDED.auto_block_no_shows,
			auto_block_no_pickups = EXCLUDED.auto_block_no_pickups,
			auto_block_duration_hours = EXCLUDED.auto_block_duration_hours,
			hold_minutes = EXCLUDED.hold_minutes,
			hold_buffer_minutes = EXCLUDED.hold_buffer_minutes,
			confirmation_timeout_hours = EXCLUDED.confirmation_timeout_hours,
			reminder_first_hours = EXCLUDED.reminder_first_hours,
			reminder_final_hours = EXCLUDED.reminder_final_hours,
			updated_at = now()
		RETURNING ` + policyCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return scanPolicy(r.pool.QueryRow(ctx, q,
		p.TenantID, p.Vertical, p.BranchID, p.IsDefault,
		p.ConfirmationRequired, p.ConfirmationThreshold, p.DepositEnabled, p.DepositThreshold, p.BlockThreshold,
		p.DepositPercentOfService, p.DepositAmountCents,
		p.PenaltyNoShow, p.PenaltyNoPickup, p.PenaltyLateCancel, p.PenaltyNoConfirmation,
		p.PenaltyAbuse, p.PenaltyFraud, p.PenaltyOther, p.RewardCompleted, p.RewardOnTimePickup,
		p.AutoBlockNoShows, p.AutoBlockNoPickups, p.AutoBlockDurationHours,
		p.HoldMinutes, p.HoldBufferMinutes, p.ConfirmationTimeoutHours,
		p.ReminderFirstHours, p.ReminderFinalHours,
	))
}
