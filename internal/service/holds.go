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

// CreateHoldRequest carries everything needed to claim a slot.
type CreateHoldRequest struct {
	TenantID      int64
	BranchID      *int64
	SlotStart     time.Time
	DurationMin   int
	HolderSession string
	CustomerID    *int64
	HoldMinutes   int // 0 means the default window
}

// HoldResult reports the outcome of a hold operation. A slot conflict is a
// normal outcome, not an error: Success is false and Reason says why.
type HoldResult struct {
	Success       bool
	Hold          *domain.Hold
	Reason        string
	ConflictingID int64
}

type HoldService interface {
	CreateHold(ctx context.Context, req CreateHoldRequest) (*HoldResult, error)
	GetHold(ctx context.Context, id int64) (*domain.Hold, error)
	ConvertToAppointment(ctx context.Context, holdID, appointmentID int64) (*HoldResult, error)
	ReleaseHold(ctx context.Context, holdID int64, reason string) error
	ExtendHold(ctx context.Context, holdID int64, additionalMinutes int) (*time.Time, error)
	ReleaseExpired(ctx context.Context, batch int) (int64, error)
}

type holdService struct {
	holds postgres.HoldRepository
	bus   events.Publisher
	clock clock.Clock
}

func NewHoldService(holds postgres.HoldRepository, bus events.Publisher, clk clock.Clock) HoldService {
	return &holdService{holds: holds, bus: bus, clock: clk}
}

// CreateHold attempts to claim the slot. The repository's serialized
// conditional insert is the only exclusivity mechanism; when it declines,
// a second read diagnoses whether a hold or a confirmed booking owns the
// window.
func (s *holdService) CreateHold(ctx context.Context, req CreateHoldRequest) (*HoldResult, error) {
	if req.SlotStart.IsZero() || req.DurationMin <= 0 || req.HolderSession == "" {
		return nil, domain.ErrInvalidInput
	}
	if req.SlotStart.Before(s.clock.Now()) {
		return &HoldResult{Success: false, Reason: "slot is in the past"}, nil
	}

	window := req.HoldMinutes
	if window <= 0 {
		window = domain.DefaultHoldMinutes
	}
	if window > domain.MaxHoldMinutes {
		window = domain.MaxHoldMinutes
	}

	hold := &domain.Hold{
		TenantID:      req.TenantID,
		BranchID:      req.BranchID,
		SlotStart:     req.SlotStart.UTC(),
		DurationMin:   req.DurationMin,
		HolderSession: req.HolderSession,
		CustomerID:    req.CustomerID,
		Status:        domain.HoldActive,
		ExpiresAt:     s.clock.Now().Add(time.Duration(window) * time.Minute),
	}

	created, err := s.holds.Create(ctx, hold)
	if err != nil {
		return nil, fmt.Errorf("failed to create hold: %w", err)
	}
	if created == nil {
		conflict, err := s.holds.FindConflict(ctx, req.TenantID, req.BranchID, hold.SlotStart, req.DurationMin)
		if err != nil {
			return nil, fmt.Errorf("failed to diagnose slot conflict: %w", err)
		}
		reason := "slot unavailable"
		var conflictingID int64
		if conflict != nil {
			reason = conflict.Sentinel.Error()
			conflictingID = conflict.ConflictingID
		}
		logger.InfoContext(ctx, "Hold declined, slot occupied",
			"slot_start", hold.SlotStart,
			"slot_end", hold.SlotEnd(),
			"conflicting_id", conflictingID,
		)
		return &HoldResult{Success: false, Reason: reason, ConflictingID: conflictingID}, nil
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.HoldCreated, events.HoldCreatedEvent{
			HoldID:    created.ID,
			TenantID:  created.TenantID,
			BranchID:  created.BranchID,
			SlotStart: created.SlotStart,
			Duration:  created.DurationMin,
			ExpiresAt: created.ExpiresAt,
			CreatedAt: created.CreatedAt,
		})
	}

	logger.InfoContext(ctx, "Hold created",
		"hold_id", created.ID,
		"slot_start", created.SlotStart,
		"expires_at", created.ExpiresAt,
	)
	return &HoldResult{Success: true, Hold: created}, nil
}

func (s *holdService) GetHold(ctx context.Context, id int64) (*domain.Hold, error) {
	hold, err := s.holds.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load hold: %w", err)
	}
	if hold == nil {
		return nil, domain.ErrHoldNotFound
	}
	return hold, nil
}

// ConvertToAppointment promotes an active, unexpired hold into a confirmed
// booking. The guarded update loses cleanly to a concurrent expiry sweep:
// when the claim fails the hold is re-read to report what happened.
func (s *holdService) ConvertToAppointment(ctx context.Context, holdID, appointmentID int64) (*HoldResult, error) {
	ok, err := s.holds.Convert(ctx, holdID, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to convert hold: %w", err)
	}
	if !ok {
		hold, err := s.holds.GetByID(ctx, holdID)
		if err != nil {
			return nil, fmt.Errorf("failed to load hold: %w", err)
		}
		if hold == nil {
			return nil, domain.ErrHoldNotFound
		}
		reason := fmt.Sprintf("hold is %s", hold.Status)
		if hold.Status == domain.HoldActive {
			reason = "hold has expired"
		}
		return &HoldResult{Success: false, Hold: hold, Reason: reason}, nil
	}

	hold, err := s.holds.GetByID(ctx, holdID)
	if err != nil {
		return nil, fmt.Errorf("failed to load hold: %w", err)
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.HoldConverted, events.HoldConvertedEvent{
			HoldID:        holdID,
			TenantID:      hold.TenantID,
			AppointmentID: appointmentID,
			ConvertedAt:   s.clock.Now(),
		})
	}

	logger.InfoContext(ctx, "Hold converted", "hold_id", holdID, "appointment_id", appointmentID)
	return &HoldResult{Success: true, Hold: hold}, nil
}

// ReleaseHold is idempotent: releasing a hold that is already released,
// expired, or converted is a no-op, not an error.
func (s *holdService) ReleaseHold(ctx context.Context, holdID int64, reason string) error {
	hold, err := s.holds.GetByID(ctx, holdID)
	if err != nil {
		return fmt.Errorf("failed to load hold: %w", err)
	}
	if hold == nil {
		return domain.ErrHoldNotFound
	}

	released, err := s.holds.Release(ctx, holdID, reason)
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}
	if !released {
		return nil
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.HoldReleased, events.HoldReleasedEvent{
			HoldID:     holdID,
			TenantID:   hold.TenantID,
			Reason:     reason,
			ReleasedAt: s.clock.Now(),
		})
	}
	logger.InfoContext(ctx, "Hold released", "hold_id", holdID, "reason", reason)
	return nil
}

func (s *holdService) ExtendHold(ctx context.Context, holdID int64, additionalMinutes int) (*time.Time, error) {
	if additionalMinutes <= 0 || additionalMinutes > domain.MaxHoldMinutes {
		return nil, domain.ErrInvalidInput
	}

	expiresAt, err := s.holds.Extend(ctx, holdID, additionalMinutes)
	if err != nil {
		return nil, fmt.Errorf("failed to extend hold: %w", err)
	}
	if expiresAt == nil {
		hold, err := s.holds.GetByID(ctx, holdID)
		if err != nil {
			return nil, fmt.Errorf("failed to load hold: %w", err)
		}
		if hold == nil {
			return nil, domain.ErrHoldNotFound
		}
		return nil, domain.ErrHoldNotActive
	}
	return expiresAt, nil
}

// ReleaseExpired flips active holds past their expiry to expired. Run by
// the sweeper; safe to run concurrently thanks to the row locks in the
// repository.
func (s *holdService) ReleaseExpired(ctx context.Context, batch int) (int64, error) {
	n, err := s.holds.ReleaseExpired(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired holds: %w", err)
	}
	if n > 0 {
		logger.InfoContext(ctx, "Expired holds released", "count", n)
	}
	return n, nil
}
