package channel

import (
	"context"

	"github.com/google/uuid"
	"github.com/slotline/bookguard/pkg/logger"
)

// DevSender logs outbound messages instead of sending them.
type DevSender struct{}

func NewDevSender() *DevSender {
	return &DevSender{}
}

func (d *DevSender) SendText(ctx context.Context, recipient, body string) (SendResult, error) {
	id := "dev-" + uuid.NewString()
	logger.InfoContext(ctx, "[DEV CHANNEL] text message",
		"to", recipient,
		"body", body,
		"message_id", id,
	)
	return SendResult{MessageID: id}, nil
}

func (d *DevSender) SendButtons(ctx context.Context, recipient, body string, buttons []Button, footer string) (SendResult, error) {
	id := "dev-" + uuid.NewString()
	titles := make([]string, 0, len(buttons))
	for _, b := range buttons {
		titles = append(titles, b.Title)
	}
	logger.InfoContext(ctx, "[DEV CHANNEL] button message",
		"to", recipient,
		"body", body,
		"buttons", titles,
		"footer", footer,
		"message_id", id,
	)
	return SendResult{MessageID: id}, nil
}
