package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WhatsAppSender talks to the WhatsApp Cloud API. The interactive button
// message is capped at three buttons by the platform, which matches the
// confirm/cancel/change set this system sends.
type WhatsAppSender struct {
	token   string
	phoneID string
	baseURL string
	client  *http.Client
}

func NewWhatsAppSender(token, phoneID, baseURL string, timeout time.Duration) *WhatsAppSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WhatsAppSender{
		token:   token,
		phoneID: phoneID,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type waTextPayload struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type waInteractivePayload struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Interactive      waInteractive `json:"interactive"`
}

type waInteractive struct {
	Type string `json:"type"`
	Body struct {
		Text string `json:"text"`
	} `json:"body"`
	Footer *struct {
		Text string `json:"text"`
	} `json:"footer,omitempty"`
	Action struct {
		Buttons []waButton `json:"buttons"`
	} `json:"action"`
}

type waButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *WhatsAppSender) SendText(ctx context.Context, recipient, body string) (SendResult, error) {
	payload := waTextPayload{
		MessagingProduct: "whatsapp",
		To:               recipient,
		Type:             "text",
	}
	payload.Text.Body = body
	return s.post(ctx, payload)
}

func (s *WhatsAppSender) SendButtons(ctx context.Context, recipient, body string, buttons []Button, footer string) (SendResult, error) {
	payload := waInteractivePayload{
		MessagingProduct: "whatsapp",
		To:               recipient,
		Type:             "interactive",
	}
	payload.Interactive.Type = "button"
	payload.Interactive.Body.Text = body
	if footer != "" {
		payload.Interactive.Footer = &struct {
			Text string `json:"text"`
		}{Text: footer}
	}
	for _, b := range buttons {
		wb := waButton{Type: "reply"}
		wb.Reply.ID = b.ID
		wb.Reply.Title = b.Title
		payload.Interactive.Action.Buttons = append(payload.Interactive.Action.Buttons, wb)
	}
	return s.post(ctx, payload)
}

func (s *WhatsAppSender) post(ctx context.Context, payload any) (SendResult, error) {
	if s.token == "" || s.phoneID == "" {
		return SendResult{}, Permanent("whatsapp channel not configured")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	var out waResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SendResult{}, fmt.Errorf("whatsapp response decode failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := "unknown error"
		if out.Error != nil {
			msg = out.Error.Message
		}
		// 4xx from the graph API means the request itself is bad
		// (recipient, auth, payload) or the rate budget is spent;
		// neither improves on retry within our 3-attempt window.
		if resp.StatusCode < 500 {
			return SendResult{}, Permanent("whatsapp rejected message: %s", msg)
		}
		return SendResult{}, fmt.Errorf("whatsapp server error %d: %s", resp.StatusCode, msg)
	}

	if len(out.Messages) == 0 {
		return SendResult{}, fmt.Errorf("whatsapp response missing message id")
	}
	return SendResult{MessageID: out.Messages[0].ID}, nil
}
