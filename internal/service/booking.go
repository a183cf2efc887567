package service

import (
	"context"
	"fmt"
	"time"

	"github.com/slotline/bookguard/internal/clock"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/pkg/logger"
)

// BookingAttempt is one customer trying to claim a slot.
type BookingAttempt struct {
	TenantID           int64
	BranchID           *int64
	Vertical           string
	CustomerID         int64
	Phone              string
	SlotStart          time.Time
	DurationMin        int
	HolderSession      string
	ServiceAmountCents int64
}

// BookingGateResult is the gate's verdict: whether the attempt may proceed,
// the hold claimed for it, and the friction required before it becomes a
// booking.
type BookingGateResult struct {
	Allowed       bool
	Reason        string
	Hold          *domain.Hold
	Requirements  *domain.BookingRequirements
	TrustScore    int
	ConflictingID int64
}

// FinalizeRequest converts a hold into a confirmed entity and dispatches
// the confirmation the gate required.
type FinalizeRequest struct {
	TenantID           int64
	HoldID             int64
	ReferenceType      domain.ReferenceType
	ReferenceID        int64
	Channel            domain.Channel
	Recipient          string
	CustomerName       string
	RequiresDeposit    bool
	DepositAmountCents int64
	ConfirmationWindow time.Duration
}

type BookingService interface {
	AttemptBooking(ctx context.Context, attempt BookingAttempt) (*BookingGateResult, error)
	FinalizeBooking(ctx context.Context, req FinalizeRequest) (*HoldResult, error)
}

type bookingService struct {
	holds         HoldService
	blocks        BlockService
	trust         TrustService
	policies      PolicyService
	confirmations ConfirmationService
	clock         clock.Clock
}

func NewBookingService(holds HoldService, blocks BlockService, trust TrustService, policies PolicyService, confirmations ConfirmationService, clk clock.Clock) BookingService {
	return &bookingService{
		holds:         holds,
		blocks:        blocks,
		trust:         trust,
		policies:      policies,
		confirmations: confirmations,
		clock:         clk,
	}
}

// AttemptBooking runs the full gate: block check, trust lookup, policy
// evaluation, then the atomic slot claim. A blocked customer or an occupied
// slot is a declined result, not an error.
func (s *bookingService) AttemptBooking(ctx context.Context, attempt BookingAttempt) (*BookingGateResult, error) {
	if attempt.Phone == "" || attempt.SlotStart.IsZero() || attempt.DurationMin <= 0 {
		return nil, domain.ErrInvalidInput
	}

	var customerID *int64
	if attempt.CustomerID > 0 {
		customerID = &attempt.CustomerID
	}

	status, err := s.blocks.CheckCustomerBlocked(ctx, attempt.TenantID, attempt.Phone, customerID)
	if err != nil {
		return nil, err
	}
	if status.Blocked {
		logger.InfoContext(ctx, "Booking attempt rejected, customer blocked",
			"phone", attempt.Phone,
			"reason", status.Reason,
		)
		return &BookingGateResult{Allowed: false, Reason: fmt.Sprintf("%s: %s", domain.ErrCustomerBlocked, status.Reason)}, nil
	}

	trust, err := s.trust.GetTrustScore(ctx, attempt.TenantID, attempt.CustomerID, attempt.Phone)
	if err != nil {
		return nil, err
	}

	requirements, err := s.policies.EvaluateBookingRequirements(ctx, attempt.TenantID, attempt.Vertical, attempt.BranchID, trust, attempt.ServiceAmountCents)
	if err != nil {
		return nil, err
	}

	holdResult, err := s.holds.CreateHold(ctx, CreateHoldRequest{
		TenantID:      attempt.TenantID,
		BranchID:      attempt.BranchID,
		SlotStart:     attempt.SlotStart,
		DurationMin:   attempt.DurationMin,
		HolderSession: attempt.HolderSession,
		CustomerID:    customerID,
		HoldMinutes:   requirements.HoldMinutes,
	})
	if err != nil {
		return nil, err
	}
	if !holdResult.Success {
		return &BookingGateResult{
			Allowed:       false,
			Reason:        holdResult.Reason,
			Requirements:  requirements,
			TrustScore:    trust.Score,
			ConflictingID: holdResult.ConflictingID,
		}, nil
	}

	if err := s.trust.IncrementBookings(ctx, attempt.TenantID, attempt.CustomerID); err != nil {
		logger.WarnContext(ctx, "Failed to increment booking count", "error", err, "customer_id", attempt.CustomerID)
	}

	return &BookingGateResult{
		Allowed:      true,
		Hold:         holdResult.Hold,
		Requirements: requirements,
		TrustScore:   trust.Score,
	}, nil
}

// FinalizeBooking converts the hold into the referenced entity and, when
// the gate required it, dispatches the confirmation or deposit request.
func (s *bookingService) FinalizeBooking(ctx context.Context, req FinalizeRequest) (*HoldResult, error) {
	result, err := s.holds.ConvertToAppointment(ctx, req.HoldID, req.ReferenceID)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return result, nil
	}

	window := req.ConfirmationWindow
	if window <= 0 {
		window = defaultResendWindow
	}

	kind := domain.KindFirstRequest
	depositCents := int64(0)
	if req.RequiresDeposit {
		kind = domain.KindDepositRequired
		depositCents = req.DepositAmountCents
	}

	if s.confirmations != nil && req.Recipient != "" {
		_, err := s.confirmations.Send(ctx, SendConfirmationRequest{
			TenantID:           req.TenantID,
			ReferenceType:      req.ReferenceType,
			ReferenceID:        req.ReferenceID,
			Kind:               kind,
			Channel:            req.Channel,
			Recipient:          req.Recipient,
			CustomerName:       req.CustomerName,
			ExpiresAt:          s.clock.Now().Add(window),
			AutoAction:         domain.AutoActionCancel,
			DepositAmountCents: depositCents,
		})
		if err != nil {
			logger.ErrorContext(ctx, "Failed to dispatch booking confirmation",
				"error", err,
				"reference_id", req.ReferenceID,
			)
		}
	}
	return result, nil
}
