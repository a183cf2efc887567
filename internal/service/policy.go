package service

import (
	"context"
	"fmt"
	"time"

	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/repo/postgres"
	"github.com/slotline/bookguard/pkg/logger"
)

type PolicyService interface {
	Resolve(ctx context.Context, tenantID int64, vertical string, branchID *int64) (*domain.Policy, error)
	EvaluateBookingRequirements(ctx context.Context, tenantID int64, vertical string, branchID *int64, trust *domain.TrustScore, serviceAmountCents int64) (*domain.BookingRequirements, error)
	Upsert(ctx context.Context, p *domain.Policy) (*domain.Policy, error)
}

type policyService struct {
	policies postgres.PolicyRepository
}

func NewPolicyService(policies postgres.PolicyRepository) PolicyService {
	return &policyService{policies: policies}
}

func (s *policyService) Resolve(ctx context.Context, tenantID int64, vertical string, branchID *int64) (*domain.Policy, error) {
	policy, err := s.policies.Resolve(ctx, tenantID, vertical, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy: %w", err)
	}
	if policy == nil {
		return nil, domain.ErrPolicyNotFound
	}
	return policy, nil
}

// EvaluateBookingRequirements derives booking friction from the effective
// policy and the customer's standing. VIP customers bypass confirmation
// and deposit requirements regardless of score.
func (s *policyService) EvaluateBookingRequirements(ctx context.Context, tenantID int64, vertical string, branchID *int64, trust *domain.TrustScore, serviceAmountCents int64) (*domain.BookingRequirements, error) {
	policy, err := s.Resolve(ctx, tenantID, vertical, branchID)
	if err != nil {
		return nil, err
	}

	req := &domain.BookingRequirements{
		HoldMinutes:         policy.HoldWindowMinutes(),
		ConfirmationTimeout: time.Duration(policy.ConfirmationTimeoutHours) * time.Hour,
	}
	if req.HoldMinutes <= 0 {
		req.HoldMinutes = domain.DefaultHoldMinutes
	}

	if trust.IsVIP {
		logger.DebugContext(ctx, "VIP customer, skipping confirmation and deposit requirements",
			"customer_id", trust.CustomerID,
		)
		return req, nil
	}

	req.RequiresConfirmation = policy.ConfirmationRequired && trust.Score < policy.ConfirmationThreshold
	req.RequiresDeposit = policy.DepositEnabled && trust.Score < policy.DepositThreshold

	if req.RequiresDeposit {
		req.DepositAmountCents = depositAmount(policy, serviceAmountCents)
		if req.DepositAmountCents == 0 {
			req.RequiresDeposit = false
		}
	}

	return req, nil
}

// depositAmount prefers percentage-of-service over the fixed amount, and
// rounds up to the smallest currency unit.
func depositAmount(policy *domain.Policy, serviceAmountCents int64) int64 {
	if policy.DepositPercentOfService != nil && *policy.DepositPercentOfService > 0 && serviceAmountCents > 0 {
		pct := int64(*policy.DepositPercentOfService)
		return (serviceAmountCents*pct + 99) / 100
	}
	if policy.DepositAmountCents != nil {
		return *policy.DepositAmountCents
	}
	return 0
}

func (s *policyService) Upsert(ctx context.Context, p *domain.Policy) (*domain.Policy, error) {
	if p.TenantID <= 0 || p.Vertical == "" {
		return nil, domain.ErrInvalidInput
	}
	return s.policies.Upsert(ctx, p)
}
