package channel

import "context"

// Button is one quick-reply option rendered under an outbound message.
type Button struct {
	ID    string
	Title string
}

type SendResult struct {
	MessageID string
}

// Sender is the outbound messaging transport boundary. Implementations
// deliver a message and hand back the channel's message identifier for
// later delivery/read correlation.
type Sender interface {
	SendText(ctx context.Context, recipient, body string) (SendResult, error)
	SendButtons(ctx context.Context, recipient, body string, buttons []Button, footer string) (SendResult, error)
}
