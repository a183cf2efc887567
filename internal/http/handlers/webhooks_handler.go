package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/http/response"
	"github.com/slotline/bookguard/internal/service"
	"github.com/slotline/bookguard/pkg/logger"
)

// WebhooksHandler receives channel callbacks: delivery and read receipts
// correlated by message id, and inbound customer replies.
type WebhooksHandler struct {
	Confirmations service.ConfirmationService
}

func NewWebhooksHandler(confirmations service.ConfirmationService) *WebhooksHandler {
	return &WebhooksHandler{Confirmations: confirmations}
}

func (h *WebhooksHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/status", h.status)
	r.Post("/reply", h.reply)
	return r
}

type statusWebhookReq struct {
	TenantID  int64  `json:"tenant_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // delivered or read
}

func (h *WebhooksHandler) status(w http.ResponseWriter, r *http.Request) {
	var in statusWebhookReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	if in.TenantID <= 0 || in.MessageID == "" {
		response.BadRequest(w, "tenant_id and message_id are required")
		return
	}

	var err error
	switch in.Status {
	case "delivered":
		err = h.Confirmations.MarkDelivered(r.Context(), in.TenantID, in.MessageID)
	case "read":
		err = h.Confirmations.MarkRead(r.Context(), in.TenantID, in.MessageID)
	default:
		// sent/failed callbacks carry nothing we track here
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "Status webhook failed", "error", err, "message_id", in.MessageID)
		response.InternalError(w, "error processing status")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type replyWebhookReq struct {
	TenantID       int64  `json:"tenant_id"`
	ConfirmationID int64  `json:"confirmation_id"`
	Response       string `json:"response,omitempty"`  // already-mapped enum
	ButtonID       string `json:"button_id,omitempty"` // quick-reply convenience
	Text           string `json:"text,omitempty"`
}

// mappedResponse resolves the reply onto the response enum. The channel's
// classifier sends the enum directly; raw button callbacks carry only the
// button id; unclassified free text lands on other.
func (in *replyWebhookReq) mappedResponse() (domain.ConfirmationResponse, bool) {
	switch {
	case in.Response != "":
		resp := domain.ConfirmationResponse(in.Response)
		return resp, resp.Valid()
	case in.ButtonID != "":
		return service.ButtonResponse(in.ButtonID), true
	case in.Text != "":
		return domain.ResponseOther, true
	}
	return "", false
}

func (h *WebhooksHandler) reply(w http.ResponseWriter, r *http.Request) {
	var in replyWebhookReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	if in.TenantID <= 0 || in.ConfirmationID <= 0 {
		response.BadRequest(w, "tenant_id and confirmation_id are required")
		return
	}
	resp, ok := in.mappedResponse()
	if !ok {
		response.BadRequest(w, "response, button_id or text is required")
		return
	}

	result, err := h.Confirmations.ProcessResponse(r.Context(), in.TenantID, in.ConfirmationID, resp, in.Text)
	if err != nil {
		if errors.Is(err, domain.ErrConfirmationNotFound) {
			response.NotFound(w, "confirmation not found")
			return
		}
		logger.ErrorContext(r.Context(), "Reply webhook failed", "error", err, "confirmation_id", in.ConfirmationID)
		response.InternalError(w, "error processing reply")
		return
	}
	if !result.Success {
		response.Conflict(w, result.Reason, response.CodeExpired)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"response": result.Response})
}
