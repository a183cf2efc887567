package domain

import "time"

type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationSent      ConfirmationStatus = "sent"
	ConfirmationDelivered ConfirmationStatus = "delivered"
	ConfirmationRead      ConfirmationStatus = "read"
	ConfirmationResponded ConfirmationStatus = "responded"
	ConfirmationExpired   ConfirmationStatus = "expired"
	ConfirmationFailed    ConfirmationStatus = "failed"
)

// ActiveConfirmationStatuses are the non-terminal states the expiry sweep
// and response processing operate on.
var ActiveConfirmationStatuses = []ConfirmationStatus{
	ConfirmationPending,
	ConfirmationSent,
	ConfirmationDelivered,
	ConfirmationRead,
}

func (s ConfirmationStatus) Terminal() bool {
	switch s {
	case ConfirmationResponded, ConfirmationExpired, ConfirmationFailed:
		return true
	}
	return false
}

type ConfirmationKind string

const (
	KindFirstRequest    ConfirmationKind = "first_request"
	KindReminder24h     ConfirmationKind = "reminder_24h"
	KindReminder2h      ConfirmationKind = "reminder_2h"
	KindDepositRequired ConfirmationKind = "deposit_required"
	KindCustom          ConfirmationKind = "custom"
)

type ConfirmationResponse string

const (
	ResponseConfirmed  ConfirmationResponse = "confirmed"
	ResponseCancelled  ConfirmationResponse = "cancelled"
	ResponseNeedChange ConfirmationResponse = "need_change"
	ResponseOther      ConfirmationResponse = "other"
)

func (r ConfirmationResponse) Valid() bool {
	switch r {
	case ResponseConfirmed, ResponseCancelled, ResponseNeedChange, ResponseOther:
		return true
	}
	return false
}

type AutoAction string

const (
	AutoActionCancel      AutoAction = "cancel"
	AutoActionKeep        AutoAction = "keep"
	AutoActionNotifyStaff AutoAction = "notify_staff"
)

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

// Confirmation asks a customer to affirm, cancel or change a referenced
// entity. Status only moves forward; auto_action_executed flips false->true
// exactly once, guarded by a conditional write in the repository.
type Confirmation struct {
	ID                 int64
	TenantID           int64
	ReferenceType      ReferenceType
	ReferenceID        int64
	Kind               ConfirmationKind
	Channel            Channel
	Recipient          string
	CustomerName       string
	Status             ConfirmationStatus
	ExpiresAt          time.Time
	Response           *ConfirmationResponse
	MessageID          *string
	AutoAction         AutoAction
	AutoActionExecuted bool
	// DepositAmountCents is stored so a resend can rebuild the deposit
	// message without re-evaluating policy. Zero for kinds without one.
	DepositAmountCents int64
	Attempts           int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
