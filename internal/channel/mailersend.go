package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailersend/mailersend-go"
)

// EmailSender delivers confirmations over email for tenants without a
// messaging channel. Buttons become links in the HTML body; the reply
// webhook still receives the mapped response enum, not raw mail.
type EmailSender struct {
	client  *mailersend.Mailersend
	from    mailersend.From
	enabled bool
	timeout time.Duration
}

func NewEmailSender(apiKey, fromName, fromEmail string, timeout time.Duration) *EmailSender {
	e := &EmailSender{
		enabled: apiKey != "" && fromEmail != "",
		from: mailersend.From{
			Name:  fromName,
			Email: fromEmail,
		},
		timeout: timeout,
	}
	if e.timeout <= 0 {
		e.timeout = 10 * time.Second
	}

	if e.enabled {
		e.client = mailersend.NewMailersend(apiKey)
	}

	return e
}

func (e *EmailSender) SendText(ctx context.Context, recipient, body string) (SendResult, error) {
	html := "<p>" + strings.ReplaceAll(body, "\n", "<br>") + "</p>"
	return e.send(ctx, recipient, body, html)
}

func (e *EmailSender) SendButtons(ctx context.Context, recipient, body string, buttons []Button, footer string) (SendResult, error) {
	var sb strings.Builder
	sb.WriteString("<p>")
	sb.WriteString(strings.ReplaceAll(body, "\n", "<br>"))
	sb.WriteString("</p><p>")
	for _, b := range buttons {
		fmt.Fprintf(&sb, `<a href="#%s" style="background-color: #4CAF50; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px; margin-right: 8px;">%s</a>`, b.ID, b.Title)
	}
	sb.WriteString("</p>")
	if footer != "" {
		fmt.Fprintf(&sb, "<p><small>%s</small></p>", footer)
	}

	text := body
	for _, b := range buttons {
		text += fmt.Sprintf("\n- %s", b.Title)
	}

	return e.send(ctx, recipient, text, sb.String())
}

func (e *EmailSender) send(ctx context.Context, recipient, text, html string) (SendResult, error) {
	if !e.enabled {
		return SendResult{}, Permanent("email channel not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg := e.client.Email.NewMessage()
	msg.SetFrom(e.from)
	msg.SetRecipients([]mailersend.Recipient{{Email: recipient}})
	msg.SetSubject("Please confirm your booking")
	msg.SetText(text)
	msg.SetHTML(html)

	res, err := e.client.Email.Send(ctx, msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("mailersend send failed: %w", err)
	}

	return SendResult{MessageID: res.Header.Get("X-Message-Id")}, nil
}
