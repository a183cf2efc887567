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

// BlockStatus is the answer to "may this customer book right now".
type BlockStatus struct {
	Blocked bool
	Reason  domain.BlockReason
	Details string
}

type BlockService interface {
	CheckCustomerBlocked(ctx context.Context, tenantID int64, phone string, customerID *int64) (*BlockStatus, error)
	ManualBlock(ctx context.Context, tenantID int64, phone string, customerID *int64, details string, duration *time.Duration) (*domain.Block, error)
	ManualUnblock(ctx context.Context, tenantID, blockID int64, actor string) error
	UnblockExpired(ctx context.Context, batch int) (int, error)
}

type blockService struct {
	blocks postgres.BlockRepository
	trust  postgres.TrustRepository
	cache  BlockCache
	bus    events.Publisher
	clock  clock.Clock
}

func NewBlockService(blocks postgres.BlockRepository, trust postgres.TrustRepository, cache BlockCache, bus events.Publisher, clk clock.Clock) BlockService {
	return &blockService{
		blocks: blocks,
		trust:  trust,
		cache:  cache,
		bus:    bus,
		clock:  clk,
	}
}

// CheckCustomerBlocked consults the cache first; on a miss it falls through
// to the blocks table and caches the answer either way. A block whose
// unblock time has passed is treated as inactive even before the sweep
// processes it.
func (s *blockService) CheckCustomerBlocked(ctx context.Context, tenantID int64, phone string, customerID *int64) (*BlockStatus, error) {
	if s.cache != nil {
		reason, found, err := s.cache.GetBlockStatus(ctx, tenantID, phone)
		if err != nil {
			logger.WarnContext(ctx, "Block cache lookup failed, falling back to store", "error", err)
		} else if found {
			if reason == "" {
				return &BlockStatus{Blocked: false}, nil
			}
			return &BlockStatus{Blocked: true, Reason: domain.BlockReason(reason)}, nil
		}
	}

	block, err := s.blocks.FindActive(ctx, tenantID, phone, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check block status: %w", err)
	}

	status := &BlockStatus{}
	cached := ""
	if block != nil && (block.Permanent() || block.UnblockAt.After(s.clock.Now())) {
		status.Blocked = true
		status.Reason = block.Reason
		status.Details = block.Details
		cached = string(block.Reason)
	}

	if s.cache != nil {
		if err := s.cache.SetBlockStatus(ctx, tenantID, phone, cached); err != nil {
			logger.WarnContext(ctx, "Failed to cache block status", "error", err)
		}
	}
	return status, nil
}

func (s *blockService) ManualBlock(ctx context.Context, tenantID int64, phone string, customerID *int64, details string, duration *time.Duration) (*domain.Block, error) {
	if phone == "" && customerID == nil {
		return nil, domain.ErrInvalidInput
	}

	block := &domain.Block{
		TenantID:   tenantID,
		CustomerID: customerID,
		Phone:      phone,
		Reason:     domain.BlockManual,
		Details:    details,
	}
	if duration != nil {
		until := s.clock.Now().Add(*duration)
		block.UnblockAt = &until
	}

	created, err := s.blocks.CreateIfNone(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("failed to create block: %w", err)
	}
	if created == nil {
		return nil, fmt.Errorf("customer already has an active block")
	}

	if customerID != nil {
		if err := s.trust.SetBlockedFlag(ctx, tenantID, *customerID, true); err != nil {
			logger.ErrorContext(ctx, "Failed to set blocked flag", "error", err, "customer_id", *customerID)
		}
	}
	if s.cache != nil {
		_ = s.cache.InvalidateBlockStatus(ctx, tenantID, phone)
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.CustomerBlocked, events.CustomerBlockedEvent{
			TenantID:   tenantID,
			CustomerID: created.CustomerID,
			Phone:      created.Phone,
			Reason:     string(created.Reason),
			UnblockAt:  created.UnblockAt,
			BlockedAt:  created.CreatedAt,
		})
	}

	logger.InfoContext(ctx, "Customer blocked manually", "phone", phone, "block_id", created.ID)
	return created, nil
}

func (s *blockService) ManualUnblock(ctx context.Context, tenantID, blockID int64, actor string) error {
	block, err := s.blocks.GetByID(ctx, tenantID, blockID)
	if err != nil {
		return fmt.Errorf("failed to load block: %w", err)
	}
	if block == nil {
		return domain.ErrInvalidInput
	}

	ok, err := s.blocks.ManualUnblock(ctx, tenantID, blockID, actor)
	if err != nil {
		return fmt.Errorf("failed to unblock: %w", err)
	}
	if !ok {
		// already inactive, treat as done
		return nil
	}

	s.afterUnblock(ctx, block, actor)
	return nil
}

// UnblockExpired releases blocks whose unblock time has passed. Each block
// is claimed with a conditional update first so concurrent sweeps cannot
// process the same block twice.
func (s *blockService) UnblockExpired(ctx context.Context, batch int) (int, error) {
	due, err := s.blocks.ListUnblockDue(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due unblocks: %w", err)
	}

	processed := 0
	for i := range due {
		block := &due[i]
		claimed, err := s.blocks.ClaimUnblock(ctx, block.ID)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to claim unblock", "error", err, "block_id", block.ID)
			continue
		}
		if !claimed {
			continue
		}
		s.afterUnblock(ctx, block, "sweep")
		processed++
	}

	if processed > 0 {
		logger.InfoContext(ctx, "Expired blocks released", "count", processed)
	}
	return processed, nil
}

func (s *blockService) afterUnblock(ctx context.Context, block *domain.Block, actor string) {
	if block.CustomerID != nil {
		if err := s.trust.SetBlockedFlag(ctx, block.TenantID, *block.CustomerID, false); err != nil {
			logger.ErrorContext(ctx, "Failed to clear blocked flag", "error", err, "customer_id", *block.CustomerID)
		}
	}
	if s.cache != nil {
		_ = s.cache.InvalidateBlockStatus(ctx, block.TenantID, block.Phone)
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.CustomerUnblocked, events.CustomerUnblockedEvent{
			TenantID:    block.TenantID,
			BlockID:     block.ID,
			UnblockedBy: actor,
			UnblockedAt: s.clock.Now(),
		})
	}
}
