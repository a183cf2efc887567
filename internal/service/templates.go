package service

import (
	"fmt"
	"time"

	"github.com/slotline/bookguard/internal/channel"
	"github.com/slotline/bookguard/internal/domain"
)

// renderedMessage is the channel-agnostic outbound payload for one
// confirmation kind. Channels render buttons natively or fall back to
// numbered links.
type renderedMessage struct {
	Body    string
	Buttons []channel.Button
	Footer  string
}

const (
	buttonConfirm    = "confirm"
	buttonCancel     = "cancel"
	buttonNeedChange = "need_change"
)

var responseButtons = []channel.Button{
	{ID: buttonConfirm, Title: "Confirm"},
	{ID: buttonCancel, Title: "Cancel"},
	{ID: buttonNeedChange, Title: "Change time"},
}

// ButtonResponse maps an inbound quick-reply id onto the response enum.
// Free-text replies are classified upstream and arrive already mapped.
func ButtonResponse(buttonID string) domain.ConfirmationResponse {
	switch buttonID {
	case buttonConfirm:
		return domain.ResponseConfirmed
	case buttonCancel:
		return domain.ResponseCancelled
	case buttonNeedChange:
		return domain.ResponseNeedChange
	default:
		return domain.ResponseOther
	}
}

func renderConfirmation(c *domain.Confirmation, scheduledAt time.Time, depositLink string, currency string) renderedMessage {
	label := "booking"
	if binding, ok := c.ReferenceType.Binding(); ok {
		label = binding.Label
	}

	name := c.CustomerName
	if name == "" {
		name = "there"
	}
	when := scheduledAt.Format("Monday, Jan 2 at 15:04")

	var msg renderedMessage
	switch c.Kind {
	case domain.KindFirstRequest:
		msg.Body = fmt.Sprintf("Hi %s! Please confirm your %s on %s.", name, label, when)
		msg.Buttons = responseButtons
		msg.Footer = fmt.Sprintf("Reply by %s or the %s will be released.", c.ExpiresAt.Format("Jan 2 15:04"), label)
	case domain.KindReminder24h:
		msg.Body = fmt.Sprintf("Hi %s, a reminder: your %s is tomorrow, %s. See you then?", name, label, when)
		msg.Buttons = responseButtons
	case domain.KindReminder2h:
		msg.Body = fmt.Sprintf("Hi %s, your %s is coming up at %s. See you soon!", name, label, scheduledAt.Format("15:04"))
	case domain.KindDepositRequired:
		amount := fmt.Sprintf("%.2f %s", float64(c.DepositAmountCents)/100, currency)
		msg.Body = fmt.Sprintf("Hi %s! To secure your %s on %s, a deposit of %s is required.", name, label, when, amount)
		if depositLink != "" {
			msg.Body += fmt.Sprintf("\n\nPay here: %s", depositLink)
		}
		msg.Footer = fmt.Sprintf("The %s is held until %s.", label, c.ExpiresAt.Format("Jan 2 15:04"))
	default:
		msg.Body = fmt.Sprintf("Hi %s, an update about your %s on %s.", name, label, when)
	}
	return msg
}
