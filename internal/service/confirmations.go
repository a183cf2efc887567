package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/slotline/bookguard/internal/channel"
	"github.com/slotline/bookguard/internal/clock"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/payments"
	"github.com/slotline/bookguard/internal/repo/postgres"
	"github.com/slotline/bookguard/pkg/events"
	"github.com/slotline/bookguard/pkg/logger"
)

const (
	maxSendAttempts  = 3
	retryBackoffBase = time.Second
	retryBackoffCap  = 10 * time.Second

	defaultResendWindow = 4 * time.Hour

	// reminderScanHorizon bounds how far ahead the reminder sweep reads
	// candidates. Per-tenant policy windows decide which of them are due.
	reminderScanHorizon = 72 * time.Hour
)

// SendConfirmationRequest creates and dispatches one confirmation message.
type SendConfirmationRequest struct {
	TenantID           int64
	ReferenceType      domain.ReferenceType
	ReferenceID        int64
	Kind               domain.ConfirmationKind
	Channel            domain.Channel
	Recipient          string
	CustomerName       string
	ExpiresAt          time.Time
	AutoAction         domain.AutoAction
	DepositAmountCents int64
}

// ResponseResult reports how an inbound reply was handled.
type ResponseResult struct {
	Success  bool
	Reason   string
	Response domain.ConfirmationResponse
}

// SweepStats summarizes one expiry sweep pass.
type SweepStats struct {
	Processed int
	Cancelled int
	Notified  int
}

type ConfirmationService interface {
	Send(ctx context.Context, req SendConfirmationRequest) (*domain.Confirmation, error)
	Resend(ctx context.Context, tenantID, confirmationID int64) (*domain.Confirmation, error)
	MarkDelivered(ctx context.Context, tenantID int64, messageID string) error
	MarkRead(ctx context.Context, tenantID int64, messageID string) error
	ProcessResponse(ctx context.Context, tenantID, confirmationID int64, response domain.ConfirmationResponse, freeText string) (*ResponseResult, error)
	ProcessExpired(ctx context.Context, batch int) (*SweepStats, error)
	DispatchReminders(ctx context.Context, firstHours, finalHours, batch int) (int, error)
}

type confirmationService struct {
	confirmations postgres.ConfirmationRepository
	references    postgres.ReferenceRepository
	trust         TrustService
	policies      PolicyService
	senders       map[domain.Channel]channel.Sender
	deposits      payments.DepositLinker
	currency      string
	bus           events.Publisher
	clock         clock.Clock
	sleep         func(time.Duration) // injectable for tests
}

func NewConfirmationService(
	confirmations postgres.ConfirmationRepository,
	references postgres.ReferenceRepository,
	trust TrustService,
	policies PolicyService,
	senders map[domain.Channel]channel.Sender,
	deposits payments.DepositLinker,
	currency string,
	bus events.Publisher,
	clk clock.Clock,
) ConfirmationService {
	return &confirmationService{
		confirmations: confirmations,
		references:    references,
		trust:         trust,
		policies:      policies,
		senders:       senders,
		deposits:      deposits,
		currency:      currency,
		bus:           bus,
		clock:         clk,
		sleep:         time.Sleep,
	}
}

// Send creates the confirmation record and dispatches it. Creation is
// idempotent per (reference, kind): a second call for the same pair returns
// the existing confirmation without sending again unless it is still
// pending.
func (s *confirmationService) Send(ctx context.Context, req SendConfirmationRequest) (*domain.Confirmation, error) {
	if !req.ReferenceType.Valid() {
		return nil, domain.ErrUnknownReference
	}
	if req.Recipient == "" {
		return nil, domain.ErrInvalidInput
	}

	kind := req.Kind
	if kind == "" {
		kind = domain.KindFirstRequest
	}
	autoAction := req.AutoAction
	if autoAction == "" {
		autoAction = domain.AutoActionCancel
	}
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.clock.Now().Add(defaultResendWindow)
	}

	conf := &domain.Confirmation{
		TenantID:           req.TenantID,
		ReferenceType:      req.ReferenceType,
		ReferenceID:        req.ReferenceID,
		Kind:               kind,
		Channel:            req.Channel,
		Recipient:          req.Recipient,
		CustomerName:       req.CustomerName,
		Status:             domain.ConfirmationPending,
		ExpiresAt:          expiresAt,
		AutoAction:         autoAction,
		DepositAmountCents: req.DepositAmountCents,
	}

	created, err := s.confirmations.Create(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmation: %w", err)
	}
	if created.Status != domain.ConfirmationPending {
		// already dispatched by an earlier call
		return created, nil
	}

	if err := s.deliver(ctx, created); err != nil {
		logger.ErrorContext(ctx, "Confirmation delivery failed",
			"confirmation_id", created.ID,
			"error", err,
		)
	}
	return s.confirmations.GetByID(ctx, created.TenantID, created.ID)
}

// deliver renders and sends one pending confirmation, then advances its
// status. Shared by Send, Resend and the reminder dispatcher; the deposit
// amount comes from the stored record so a resend rebuilds the same
// message.
func (s *confirmationService) deliver(ctx context.Context, conf *domain.Confirmation) error {
	sender, ok := s.senders[conf.Channel]
	if !ok {
		_, _ = s.confirmations.MarkFailed(ctx, conf.ID, conf.Attempts)
		return channel.Permanent("no sender for channel %s", conf.Channel)
	}

	scheduledAt := conf.ExpiresAt
	if entity, err := s.references.Get(ctx, conf.ReferenceType, conf.TenantID, conf.ReferenceID); err == nil && entity != nil {
		scheduledAt = entity.ScheduledAt
	}

	depositLink := ""
	if conf.Kind == domain.KindDepositRequired && s.deposits != nil && conf.DepositAmountCents > 0 {
		link, err := s.deposits.CreateDepositLink(ctx, conf.DepositAmountCents, s.currency,
			fmt.Sprintf("Deposit for %s #%d", conf.ReferenceType, conf.ReferenceID))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to create deposit link", "error", err, "confirmation_id", conf.ID)
		} else {
			depositLink = link
		}
	}

	msg := renderConfirmation(conf, scheduledAt, depositLink, s.currency)

	result, attempts, err := s.sendWithRetry(ctx, sender, conf.Recipient, msg)
	if err != nil {
		if _, markErr := s.confirmations.MarkFailed(ctx, conf.ID, attempts); markErr != nil {
			logger.ErrorContext(ctx, "Failed to mark confirmation failed", "error", markErr, "confirmation_id", conf.ID)
		}
		if s.bus != nil {
			_ = s.bus.Publish(ctx, events.ConfirmationFailed, events.ConfirmationFailedEvent{
				ConfirmationID: conf.ID,
				TenantID:       conf.TenantID,
				Attempts:       attempts,
				Reason:         err.Error(),
			})
		}
		return err
	}

	if _, err := s.confirmations.MarkSent(ctx, conf.ID, result.MessageID, attempts); err != nil {
		return fmt.Errorf("failed to mark confirmation sent: %w", err)
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.ConfirmationSent, events.ConfirmationSentEvent{
			ConfirmationID: conf.ID,
			TenantID:       conf.TenantID,
			ReferenceType:  string(conf.ReferenceType),
			ReferenceID:    conf.ReferenceID,
			Kind:           string(conf.Kind),
			Channel:        string(conf.Channel),
			MessageID:      result.MessageID,
			SentAt:         s.clock.Now(),
		})
	}

	logger.InfoContext(ctx, "Confirmation sent",
		"confirmation_id", conf.ID,
		"channel", conf.Channel,
		"message_id", result.MessageID,
		"attempts", attempts,
	)
	return nil
}

// sendWithRetry attempts delivery up to maxSendAttempts times with
// exponential backoff. Non-retryable failures abort immediately.
func (s *confirmationService) sendWithRetry(ctx context.Context, sender channel.Sender, recipient string, msg renderedMessage) (channel.SendResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		var result channel.SendResult
		var err error
		if len(msg.Buttons) > 0 {
			result, err = sender.SendButtons(ctx, recipient, msg.Body, msg.Buttons, msg.Footer)
		} else {
			result, err = sender.SendText(ctx, recipient, msg.Body)
		}
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if channel.IsNonRetryable(err) {
			return channel.SendResult{}, attempt, err
		}
		if attempt == maxSendAttempts {
			break
		}

		backoff := retryBackoffBase << (attempt - 1)
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
		logger.WarnContext(ctx, "Send attempt failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		s.sleep(backoff)
	}
	return channel.SendResult{}, maxSendAttempts, lastErr
}

// Resend re-dispatches a confirmation that is pending, sent or failed. The
// expiry window is recomputed from the original window length so a resend
// gives the customer a fresh full window.
func (s *confirmationService) Resend(ctx context.Context, tenantID, confirmationID int64) (*domain.Confirmation, error) {
	conf, err := s.confirmations.GetByID(ctx, tenantID, confirmationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load confirmation: %w", err)
	}
	if conf == nil {
		return nil, domain.ErrConfirmationNotFound
	}

	window := conf.ExpiresAt.Sub(conf.CreatedAt)
	if window <= 0 {
		window = defaultResendWindow
	}
	expiresAt := s.clock.Now().Add(window)

	ok, err := s.confirmations.ResetForResend(ctx, tenantID, confirmationID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to reset confirmation: %w", err)
	}
	if !ok {
		return nil, domain.ErrInvalidResendState
	}

	conf, err = s.confirmations.GetByID(ctx, tenantID, confirmationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load confirmation: %w", err)
	}

	if err := s.deliver(ctx, conf); err != nil {
		logger.ErrorContext(ctx, "Resend delivery failed", "confirmation_id", confirmationID, "error", err)
	}
	return s.confirmations.GetByID(ctx, tenantID, confirmationID)
}

func (s *confirmationService) MarkDelivered(ctx context.Context, tenantID int64, messageID string) error {
	ok, err := s.confirmations.MarkDelivered(ctx, tenantID, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	if !ok {
		// unknown message id or status already past sent, both fine
		logger.DebugContext(ctx, "Delivery receipt ignored", "message_id", messageID)
	}
	return nil
}

func (s *confirmationService) MarkRead(ctx context.Context, tenantID int64, messageID string) error {
	ok, err := s.confirmations.MarkRead(ctx, tenantID, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	if !ok {
		logger.DebugContext(ctx, "Read receipt ignored", "message_id", messageID)
	}
	return nil
}

// ProcessResponse records an inbound reply, already mapped onto the
// response enum by the channel layer, and applies its effect on the
// referenced entity. Replies to expired or already-responded confirmations
// are rejected with a reason rather than an error.
func (s *confirmationService) ProcessResponse(ctx context.Context, tenantID, confirmationID int64, response domain.ConfirmationResponse, freeText string) (*ResponseResult, error) {
	if !response.Valid() {
		return nil, domain.ErrInvalidInput
	}

	conf, err := s.confirmations.GetByID(ctx, tenantID, confirmationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load confirmation: %w", err)
	}
	if conf == nil {
		return nil, domain.ErrConfirmationNotFound
	}

	switch {
	case conf.Status == domain.ConfirmationResponded:
		return &ResponseResult{Success: false, Reason: domain.ErrAlreadyResponded.Error()}, nil
	case conf.Status == domain.ConfirmationExpired || conf.ExpiresAt.Before(s.clock.Now()):
		return &ResponseResult{Success: false, Reason: domain.ErrConfirmationExpired.Error()}, nil
	case !slices.Contains(domain.ActiveConfirmationStatuses, conf.Status):
		return &ResponseResult{Success: false, Reason: fmt.Sprintf("confirmation is %s", conf.Status)}, nil
	}

	ok, err := s.confirmations.RecordResponse(ctx, tenantID, confirmationID, response)
	if err != nil {
		return nil, fmt.Errorf("failed to record response: %w", err)
	}
	if !ok {
		// lost the race to another reply or the expiry sweep
		return &ResponseResult{Success: false, Reason: "confirmation no longer accepting responses"}, nil
	}

	s.applyResponse(ctx, conf, response, freeText)

	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.ConfirmationResponded, events.ConfirmationRespondedEvent{
			ConfirmationID: conf.ID,
			TenantID:       conf.TenantID,
			ReferenceType:  string(conf.ReferenceType),
			ReferenceID:    conf.ReferenceID,
			Response:       string(response),
			RespondedAt:    s.clock.Now(),
		})
	}
	return &ResponseResult{Success: true, Response: response}, nil
}

func (s *confirmationService) applyResponse(ctx context.Context, conf *domain.Confirmation, response domain.ConfirmationResponse, freeText string) {
	binding, ok := conf.ReferenceType.Binding()
	if !ok {
		return
	}

	switch response {
	case domain.ResponseConfirmed:
		if _, err := s.references.SetStatus(ctx, conf.ReferenceType, conf.TenantID, conf.ReferenceID, binding.ConfirmedStatus); err != nil {
			logger.ErrorContext(ctx, "Failed to confirm reference", "error", err, "confirmation_id", conf.ID)
		}
	case domain.ResponseCancelled:
		if _, err := s.references.SetStatus(ctx, conf.ReferenceType, conf.TenantID, conf.ReferenceID, binding.CancelledStatus); err != nil {
			logger.ErrorContext(ctx, "Failed to cancel reference", "error", err, "confirmation_id", conf.ID)
		}
	case domain.ResponseNeedChange, domain.ResponseOther:
		if s.bus != nil {
			_ = s.bus.Publish(ctx, events.StaffNotify, events.StaffNotifyEvent{
				TenantID:      conf.TenantID,
				ReferenceType: string(conf.ReferenceType),
				ReferenceID:   conf.ReferenceID,
				Reason:        string(response),
				Detail:        freeText,
			})
		}
	}
}

// ProcessExpired sweeps confirmations past their window that still await a
// response. Each is claimed with a conditional flip of the executed flag,
// so overlapping sweeps execute every auto-action exactly once.
func (s *confirmationService) ProcessExpired(ctx context.Context, batch int) (*SweepStats, error) {
	expired, err := s.confirmations.ListExpired(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired confirmations: %w", err)
	}

	stats := &SweepStats{}
	for i := range expired {
		conf := &expired[i]
		claimed, err := s.confirmations.ClaimAutoAction(ctx, conf.ID)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to claim expired confirmation", "error", err, "confirmation_id", conf.ID)
			continue
		}
		if !claimed {
			continue
		}
		stats.Processed++

		switch conf.AutoAction {
		case domain.AutoActionCancel:
			s.executeAutoCancel(ctx, conf)
			stats.Cancelled++
		case domain.AutoActionNotifyStaff:
			if s.bus != nil {
				_ = s.bus.Publish(ctx, events.StaffNotify, events.StaffNotifyEvent{
					TenantID:      conf.TenantID,
					ReferenceType: string(conf.ReferenceType),
					ReferenceID:   conf.ReferenceID,
					Reason:        "confirmation expired without response",
				})
			}
			stats.Notified++
		case domain.AutoActionKeep:
			// booking stands, nothing to do
		}

		if s.bus != nil {
			_ = s.bus.Publish(ctx, events.ConfirmationExpired, events.ConfirmationExpiredEvent{
				ConfirmationID: conf.ID,
				TenantID:       conf.TenantID,
				ReferenceType:  string(conf.ReferenceType),
				ReferenceID:    conf.ReferenceID,
				AutoAction:     string(conf.AutoAction),
			})
		}
	}

	if stats.Processed > 0 {
		logger.InfoContext(ctx, "Expired confirmations processed",
			"processed", stats.Processed,
			"cancelled", stats.Cancelled,
			"notified", stats.Notified,
		)
	}
	return stats, nil
}

func (s *confirmationService) executeAutoCancel(ctx context.Context, conf *domain.Confirmation) {
	binding, ok := conf.ReferenceType.Binding()
	if !ok {
		return
	}

	if _, err := s.references.SetStatus(ctx, conf.ReferenceType, conf.TenantID, conf.ReferenceID, binding.CancelledStatus); err != nil {
		logger.ErrorContext(ctx, "Failed to auto-cancel reference", "error", err, "confirmation_id", conf.ID)
		return
	}

	entity, err := s.references.Get(ctx, conf.ReferenceType, conf.TenantID, conf.ReferenceID)
	if err != nil || entity == nil || entity.CustomerID == nil || s.trust == nil {
		return
	}

	v := Violation{
		TenantID:    conf.TenantID,
		CustomerID:  *entity.CustomerID,
		Phone:       entity.Phone,
		Vertical:    binding.Vertical,
		Type:        domain.ViolationNoConfirmation,
		Severity:    2,
		Description: fmt.Sprintf("%s #%d auto-cancelled after confirmation expired", binding.Label, conf.ReferenceID),
	}
	if _, err := s.trust.RecordPenalty(ctx, v); err != nil && !errors.Is(err, domain.ErrPolicyNotFound) {
		logger.ErrorContext(ctx, "Failed to record no-confirmation penalty", "error", err, "customer_id", v.CustomerID)
	}
}

// DispatchReminders creates and sends reminder confirmations for confirmed
// bookings entering the reminder windows. Each window comes from the
// effective per-tenant policy, with firstHours/finalHours as the fallback
// when no policy sets one. The unique (reference, kind) constraint on
// creation keeps this idempotent across sweep runs.
func (s *confirmationService) DispatchReminders(ctx context.Context, firstHours, finalHours, batch int) (int, error) {
	now := s.clock.Now()
	horizon := now.Add(reminderScanHorizon)
	sent := 0

	// policy windows are resolved once per tenant+vertical per pass
	windowCache := make(map[string]time.Duration)

	for _, refType := range []domain.ReferenceType{domain.RefAppointment, domain.RefReservation, domain.RefOrder} {
		for _, kind := range []domain.ConfirmationKind{domain.KindReminder24h, domain.KindReminder2h} {
			due, err := s.references.ListNeedingReminder(ctx, refType, kind, now, horizon, batch)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to list reminder candidates", "error", err, "reference_type", refType)
				continue
			}
			for i := range due {
				entity := &due[i]
				window := s.reminderWindow(ctx, windowCache, entity.TenantID, refType, kind, firstHours, finalHours)
				if entity.ScheduledAt.After(now.Add(window)) {
					continue
				}
				_, err := s.Send(ctx, SendConfirmationRequest{
					TenantID:      entity.TenantID,
					ReferenceType: refType,
					ReferenceID:   entity.ID,
					Kind:          kind,
					Channel:       domain.ChannelWhatsApp,
					Recipient:     entity.Phone,
					CustomerName:  entity.CustomerName,
					ExpiresAt:     entity.ScheduledAt,
					AutoAction:    domain.AutoActionKeep,
				})
				if err != nil {
					logger.ErrorContext(ctx, "Failed to dispatch reminder", "error", err, "reference_id", entity.ID)
					continue
				}
				sent++
			}
		}
	}

	if sent > 0 {
		logger.InfoContext(ctx, "Reminders dispatched", "count", sent)
	}
	return sent, nil
}

// reminderWindow resolves how far before the scheduled time a reminder of
// the given kind goes out, from the tenant's vertical-default policy.
func (s *confirmationService) reminderWindow(ctx context.Context, cache map[string]time.Duration, tenantID int64, refType domain.ReferenceType, kind domain.ConfirmationKind, firstHours, finalHours int) time.Duration {
	fallback := time.Duration(firstHours) * time.Hour
	if kind == domain.KindReminder2h {
		fallback = time.Duration(finalHours) * time.Hour
	}

	binding, ok := refType.Binding()
	if !ok || s.policies == nil {
		return fallback
	}

	cacheKey := fmt.Sprintf("%d:%s:%s", tenantID, binding.Vertical, kind)
	if w, ok := cache[cacheKey]; ok {
		return w
	}

	window := fallback
	policy, err := s.policies.Resolve(ctx, tenantID, binding.Vertical, nil)
	if err != nil && !errors.Is(err, domain.ErrPolicyNotFound) {
		logger.WarnContext(ctx, "Policy lookup for reminder window failed", "error", err, "tenant_id", tenantID)
	}
	if policy != nil {
		hours := policy.ReminderFirstHours
		if kind == domain.KindReminder2h {
			hours = policy.ReminderFinalHours
		}
		if hours > 0 {
			window = time.Duration(hours) * time.Hour
		}
	}
	cache[cacheKey] = window
	return window
}
