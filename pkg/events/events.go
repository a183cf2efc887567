package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/slotline/bookguard/pkg/logger"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(subject string, handler func(msg *Message)) error
	QueueSubscribe(subject, queue string, handler func(msg *Message)) error
	Close() error
}

type EventBus interface {
	Publisher
	Subscriber
}

type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	ID        string
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "data", string(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Subscribe(subject string, handler func(msg *Message)) error {
	_, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
			ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		})
	})
	return err
}

func (n *NATSEventBus) QueueSubscribe(subject, queue string, handler func(msg *Message)) error {
	_, err := n.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(&Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
			ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		})
	})
	return err
}

func (n *NATSEventBus) Close() error {
	n.conn.Close()
	return nil
}

// Event types and subjects
const (
	// Hold events
	HoldCreated   = "hold.created"
	HoldConverted = "hold.converted"
	HoldReleased  = "hold.released"

	// Confirmation events
	ConfirmationSent      = "confirmation.sent"
	ConfirmationFailed    = "confirmation.failed"
	ConfirmationResponded = "confirmation.responded"
	ConfirmationExpired   = "confirmation.expired"

	// Trust events
	PenaltyRecorded   = "trust.penalty.recorded"
	RewardRecorded    = "trust.reward.recorded"
	CustomerBlocked   = "customer.blocked"
	CustomerUnblocked = "customer.unblocked"

	// Staff events
	StaffNotify = "staff.notify"
)

// Event payloads
type HoldCreatedEvent struct {
	HoldID    int64     `json:"hold_id"`
	TenantID  int64     `json:"tenant_id"`
	BranchID  *int64    `json:"branch_id,omitempty"`
	SlotStart time.Time `json:"slot_start"`
	Duration  int       `json:"duration_min"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

type HoldConvertedEvent struct {
	HoldID        int64     `json:"hold_id"`
	TenantID      int64     `json:"tenant_id"`
	AppointmentID int64     `json:"appointment_id"`
	ConvertedAt   time.Time `json:"converted_at"`
}

type HoldReleasedEvent struct {
	HoldID     int64     `json:"hold_id"`
	TenantID   int64     `json:"tenant_id"`
	Reason     string    `json:"reason"`
	ReleasedAt time.Time `json:"released_at"`
}

type ConfirmationSentEvent struct {
	ConfirmationID int64     `json:"confirmation_id"`
	TenantID       int64     `json:"tenant_id"`
	ReferenceType  string    `json:"reference_type"`
	ReferenceID    int64     `json:"reference_id"`
	Kind           string    `json:"kind"`
	Channel        string    `json:"channel"`
	MessageID      string    `json:"message_id"`
	SentAt         time.Time `json:"sent_at"`
}

type ConfirmationFailedEvent struct {
	ConfirmationID int64  `json:"confirmation_id"`
	TenantID       int64  `json:"tenant_id"`
	Attempts       int    `json:"attempts"`
	Reason         string `json:"reason"`
}

type ConfirmationRespondedEvent struct {
	ConfirmationID int64     `json:"confirmation_id"`
	TenantID       int64     `json:"tenant_id"`
	ReferenceType  string    `json:"reference_type"`
	ReferenceID    int64     `json:"reference_id"`
	Response       string    `json:"response"`
	RespondedAt    time.Time `json:"responded_at"`
}

type ConfirmationExpiredEvent struct {
	ConfirmationID int64  `json:"confirmation_id"`
	TenantID       int64  `json:"tenant_id"`
	ReferenceType  string `json:"reference_type"`
	ReferenceID    int64  `json:"reference_id"`
	AutoAction     string `json:"auto_action"`
}

type PenaltyRecordedEvent struct {
	TenantID   int64     `json:"tenant_id"`
	CustomerID int64     `json:"customer_id"`
	Violation  string    `json:"violation"`
	Severity   int       `json:"severity"`
	Delta      int       `json:"delta"`
	NewScore   int       `json:"new_score"`
	RecordedAt time.Time `json:"recorded_at"`
}

type RewardRecordedEvent struct {
	TenantID    int64     `json:"tenant_id"`
	CustomerID  int64     `json:"customer_id"`
	Achievement string    `json:"achievement"`
	Delta       int       `json:"delta"`
	NewScore    int       `json:"new_score"`
	RecordedAt  time.Time `json:"recorded_at"`
}

type CustomerBlockedEvent struct {
	TenantID   int64      `json:"tenant_id"`
	CustomerID *int64     `json:"customer_id,omitempty"`
	Phone      string     `json:"phone"`
	Reason     string     `json:"reason"`
	UnblockAt  *time.Time `json:"unblock_at,omitempty"`
	BlockedAt  time.Time  `json:"blocked_at"`
}

type CustomerUnblockedEvent struct {
	TenantID    int64     `json:"tenant_id"`
	BlockID     int64     `json:"block_id"`
	UnblockedBy string    `json:"unblocked_by"`
	UnblockedAt time.Time `json:"unblocked_at"`
}

type StaffNotifyEvent struct {
	TenantID      int64  `json:"tenant_id"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   int64  `json:"reference_id"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail,omitempty"`
}
