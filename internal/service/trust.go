package service

import (
	"context"
	"fmt"
	"time"

	"github.com/slotline/bookguard/internal/clock"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/repo/postgres"
	"github.com/slotline/bookguard/pkg/events"
	"github.com/slotline/bookguard/pkg/logger"
)

// Violation describes one trust violation being recorded against a customer.
type Violation struct {
	TenantID    int64
	CustomerID  int64
	Phone       string
	Vertical    string
	BranchID    *int64
	Type        domain.ViolationType
	Severity    int
	Description string
}

// Achievement describes one positive trust signal.
type Achievement struct {
	TenantID   int64
	CustomerID int64
	Phone      string
	Vertical   string
	BranchID   *int64
	Type       domain.AchievementType
}

// BlockCache is the cached block-status view consulted on the booking hot
// path. Satisfied by pkg/cache.Client.
type BlockCache interface {
	GetBlockStatus(ctx context.Context, tenantID int64, phone string) (reason string, found bool, err error)
	SetBlockStatus(ctx context.Context, tenantID int64, phone, reason string) error
	InvalidateBlockStatus(ctx context.Context, tenantID int64, phone string) error
}

type TrustService interface {
	GetTrustScore(ctx context.Context, tenantID, customerID int64, phone string) (*domain.TrustScore, error)
	RecordPenalty(ctx context.Context, v Violation) (*domain.TrustScore, error)
	RecordReward(ctx context.Context, a Achievement) (*domain.TrustScore, error)
	ManualOverride(ctx context.Context, tenantID, customerID int64, phone string, score int, actor, reason string) (*domain.TrustScore, error)
	ResolvePenalty(ctx context.Context, tenantID, penaltyID int64, resolvedBy string) error
	SetVIP(ctx context.Context, tenantID, customerID int64, phone string, vip bool, reason string) error
	IncrementBookings(ctx context.Context, tenantID, customerID int64) error
}

type trustService struct {
	trust    postgres.TrustRepository
	blocks   postgres.BlockRepository
	policies PolicyService
	cache    BlockCache
	bus      events.Publisher
	clock    clock.Clock
}

func NewTrustService(trust postgres.TrustRepository, blocks postgres.BlockRepository, policies PolicyService, cache BlockCache, bus events.Publisher, clk clock.Clock) TrustService {
	return &trustService{
		trust:    trust,
		blocks:   blocks,
		policies: policies,
		cache:    cache,
		bus:      bus,
		clock:    clk,
	}
}

func (s *trustService) GetTrustScore(ctx context.Context, tenantID, customerID int64, phone string) (*domain.TrustScore, error) {
	score, err := s.trust.GetOrCreate(ctx, tenantID, customerID, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust score: %w", err)
	}
	return score, nil
}

// RecordPenalty applies a violation: records the penalty, decrements the
// score, writes the audit event, and evaluates auto-block triggers. VIP
// customers accrue penalties and score damage but are never auto-blocked.
func (s *trustService) RecordPenalty(ctx context.Context, v Violation) (*domain.TrustScore, error) {
	score, err := s.trust.GetOrCreate(ctx, v.TenantID, v.CustomerID, v.Phone)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust score: %w", err)
	}

	policy, err := s.policies.Resolve(ctx, v.TenantID, v.Vertical, v.BranchID)
	if err != nil {
		return nil, err
	}

	severity := v.Severity
	if severity < 1 {
		severity = 1
	}
	if severity > 5 {
		severity = 5
	}

	penalty := &domain.Penalty{
		TenantID:    v.TenantID,
		CustomerID:  v.CustomerID,
		Type:        v.Type,
		Severity:    severity,
		Description: v.Description,
	}
	if _, err := s.trust.CreatePenalty(ctx, penalty); err != nil {
		return nil, fmt.Errorf("failed to create penalty: %w", err)
	}

	delta := policy.PenaltyDelta(v.Type)
	violation := v.Type
	newScore, err := s.trust.ApplyDelta(ctx, v.TenantID, v.CustomerID, delta, &violation, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to apply penalty delta: %w", err)
	}

	event := &domain.TrustEvent{
		TenantID:   v.TenantID,
		CustomerID: v.CustomerID,
		Kind:       "penalty",
		Delta:      delta,
		ScoreAfter: newScore,
		Reason:     string(v.Type),
		Actor:      "system",
	}
	if err := s.trust.InsertEvent(ctx, event); err != nil {
		logger.ErrorContext(ctx, "Failed to record trust event", "error", err, "customer_id", v.CustomerID)
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.PenaltyRecorded, events.PenaltyRecordedEvent{
			TenantID:   v.TenantID,
			CustomerID: v.CustomerID,
			Violation:  string(v.Type),
			Severity:   severity,
			Delta:      delta,
			NewScore:   newScore,
			RecordedAt: s.clock.Now(),
		})
	}

	logger.InfoContext(ctx, "Penalty recorded",
		"customer_id", v.CustomerID,
		"violation", v.Type,
		"delta", delta,
		"new_score", newScore,
	)

	score.Score = newScore
	if !score.IsVIP {
		if err := s.evaluateAutoBlock(ctx, v, policy, newScore); err != nil {
			logger.ErrorContext(ctx, "Auto-block evaluation failed", "error", err, "customer_id", v.CustomerID)
		}
	}

	updated, err := s.trust.GetOrCreate(ctx, v.TenantID, v.CustomerID, v.Phone)
	if err != nil {
		return score, nil
	}
	return updated, nil
}

// evaluateAutoBlock checks whether the violation just recorded crosses any
// auto-block trigger and creates the block if so. The conditional insert in
// the repository makes concurrent evaluations safe: only one block per
// customer can be active.
func (s *trustService) evaluateAutoBlock(ctx context.Context, v Violation, policy *domain.Policy, newScore int) error {
	var reason domain.BlockReason
	var details string

	switch {
	case v.Type == domain.ViolationAbuse || v.Type == domain.ViolationFraud:
		reason = domain.BlockAutoAbuse
		details = fmt.Sprintf("%s violation recorded", v.Type)
	case newScore < policy.BlockThreshold:
		reason = domain.BlockAutoLowScore
		details = fmt.Sprintf("score %d fell below threshold %d", newScore, policy.BlockThreshold)
	case v.Type == domain.ViolationNoShow && policy.AutoBlockNoShows > 0:
		count, err := s.trust.CountUnresolvedPenalties(ctx, v.TenantID, v.CustomerID, domain.ViolationNoShow)
		if err != nil {
			return fmt.Errorf("failed to count no-show penalties: %w", err)
		}
		if count < policy.AutoBlockNoShows {
			return nil
		}
		reason = domain.BlockAutoNoShows
		details = fmt.Sprintf("%d unresolved no-shows", count)
	case v.Type == domain.ViolationNoPickup && policy.AutoBlockNoPickups > 0:
		count, err := s.trust.CountUnresolvedPenalties(ctx, v.TenantID, v.CustomerID, domain.ViolationNoPickup)
		if err != nil {
			return fmt.Errorf("failed to count no-pickup penalties: %w", err)
		}
		if count < policy.AutoBlockNoPickups {
			return nil
		}
		reason = domain.BlockAutoNoPickups
		details = fmt.Sprintf("%d unresolved no-pickups", count)
	default:
		return nil
	}

	block := &domain.Block{
		TenantID:   v.TenantID,
		CustomerID: &v.CustomerID,
		Phone:      v.Phone,
		Reason:     reason,
		Details:    details,
	}
	if policy.AutoBlockDurationHours > 0 {
		until := s.clock.Now().Add(time.Duration(policy.AutoBlockDurationHours) * time.Hour)
		block.UnblockAt = &until
	}

	created, err := s.blocks.CreateIfNone(ctx, block)
	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	if created == nil {
		// an active block already exists
		return nil
	}

	if err := s.trust.SetBlockedFlag(ctx, v.TenantID, v.CustomerID, true); err != nil {
		logger.ErrorContext(ctx, "Failed to set blocked flag", "error", err, "customer_id", v.CustomerID)
	}
	if s.cache != nil {
		_ = s.cache.InvalidateBlockStatus(ctx, v.TenantID, v.Phone)
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.CustomerBlocked, events.CustomerBlockedEvent{
			TenantID:   v.TenantID,
			CustomerID: created.CustomerID,
			Phone:      created.Phone,
			Reason:     string(created.Reason),
			UnblockAt:  created.UnblockAt,
			BlockedAt:  created.CreatedAt,
		})
	}

	logger.WarnContext(ctx, "Customer auto-blocked",
		"customer_id", v.CustomerID,
		"reason", reason,
		"details", details,
	)
	return nil
}

func (s *trustService) RecordReward(ctx context.Context, a Achievement) (*domain.TrustScore, error) {
	if _, err := s.trust.GetOrCreate(ctx, a.TenantID, a.CustomerID, a.Phone); err != nil {
		return nil, fmt.Errorf("failed to load trust score: %w", err)
	}

	policy, err := s.policies.Resolve(ctx, a.TenantID, a.Vertical, a.BranchID)
	if err != nil {
		return nil, err
	}

	delta := policy.RewardDelta(a.Type)
	achievement := a.Type
	newScore, err := s.trust.ApplyDelta(ctx, a.TenantID, a.CustomerID, delta, nil, &achievement)
	if err != nil {
		return nil, fmt.Errorf("failed to apply reward delta: %w", err)
	}

	event := &domain.TrustEvent{
		TenantID:   a.TenantID,
		CustomerID: a.CustomerID,
		Kind:       "reward",
		Delta:      delta,
		ScoreAfter: newScore,
		Reason:     string(a.Type),
		Actor:      "system",
	}
	if err := s.trust.InsertEvent(ctx, event); err != nil {
		logger.ErrorContext(ctx, "Failed to record trust event", "error", err, "customer_id", a.CustomerID)
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.RewardRecorded, events.RewardRecordedEvent{
			TenantID:    a.TenantID,
			CustomerID:  a.CustomerID,
			Achievement: string(a.Type),
			Delta:       delta,
			NewScore:    newScore,
			RecordedAt:  s.clock.Now(),
		})
	}

	return s.trust.GetOrCreate(ctx, a.TenantID, a.CustomerID, a.Phone)
}

// ManualOverride pins the score to an exact value. The override itself is
// audited as a trust event with the acting staff member.
func (s *trustService) ManualOverride(ctx context.Context, tenantID, customerID int64, phone string, score int, actor, reason string) (*domain.TrustScore, error) {
	clamped := domain.ClampScore(score)

	current, err := s.trust.GetOrCreate(ctx, tenantID, customerID, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust score: %w", err)
	}

	ok, err := s.trust.OverrideScore(ctx, tenantID, customerID, clamped)
	if err != nil {
		return nil, fmt.Errorf("failed to override score: %w", err)
	}
	if !ok {
		return nil, domain.ErrInvalidInput
	}

	event := &domain.TrustEvent{
		TenantID:   tenantID,
		CustomerID: customerID,
		Kind:       "manual_override",
		Delta:      clamped - current.Score,
		ScoreAfter: clamped,
		Reason:     reason,
		Actor:      actor,
	}
	if err := s.trust.InsertEvent(ctx, event); err != nil {
		logger.ErrorContext(ctx, "Failed to record trust event", "error", err, "customer_id", customerID)
	}

	logger.InfoContext(ctx, "Trust score overridden",
		"customer_id", customerID,
		"score", clamped,
		"actor", actor,
	)

	return s.trust.GetOrCreate(ctx, tenantID, customerID, phone)
}

func (s *trustService) ResolvePenalty(ctx context.Context, tenantID, penaltyID int64, resolvedBy string) error {
	ok, err := s.trust.ResolvePenalty(ctx, tenantID, penaltyID, resolvedBy)
	if err != nil {
		return fmt.Errorf("failed to resolve penalty: %w", err)
	}
	if !ok {
		return domain.ErrInvalidInput
	}
	return nil
}

func (s *trustService) SetVIP(ctx context.Context, tenantID, customerID int64, phone string, vip bool, reason string) error {
	if _, err := s.trust.GetOrCreate(ctx, tenantID, customerID, phone); err != nil {
		return fmt.Errorf("failed to load trust score: %w", err)
	}
	ok, err := s.trust.SetVIP(ctx, tenantID, customerID, vip, reason)
	if err != nil {
		return fmt.Errorf("failed to set VIP status: %w", err)
	}
	if !ok {
		return domain.ErrInvalidInput
	}
	return nil
}

func (s *trustService) IncrementBookings(ctx context.Context, tenantID, customerID int64) error {
	return s.trust.IncrementBookings(ctx, tenantID, customerID)
}
