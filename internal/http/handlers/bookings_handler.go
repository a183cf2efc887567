package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/http/response"
	"github.com/slotline/bookguard/internal/service"
	"github.com/slotline/bookguard/pkg/logger"
)

type BookingsHandler struct {
	Bookings service.BookingService
}

func NewBookingsHandler(bookings service.BookingService) *BookingsHandler {
	return &BookingsHandler{Bookings: bookings}
}

func (h *BookingsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/attempt", h.attempt)
	r.Post("/finalize", h.finalize)
	return r
}

type bookingAttemptReq struct {
	TenantID           int64     `json:"tenant_id"`
	BranchID           *int64    `json:"branch_id,omitempty"`
	Vertical           string    `json:"vertical"`
	CustomerID         int64     `json:"customer_id"`
	Phone              string    `json:"phone"`
	SlotStart          time.Time `json:"slot_start"`
	DurationMin        int       `json:"duration_min"`
	Session            string    `json:"session"`
	ServiceAmountCents int64     `json:"service_amount_cents,omitempty"`
}

type bookingAttemptRes struct {
	Allowed              bool       `json:"allowed"`
	Reason               string     `json:"reason,omitempty"`
	HoldID               int64      `json:"hold_id,omitempty"`
	HoldExpiresAt        *time.Time `json:"hold_expires_at,omitempty"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	RequiresDeposit      bool       `json:"requires_deposit"`
	DepositAmountCents   int64      `json:"deposit_amount_cents,omitempty"`
	TrustScore           int        `json:"trust_score"`
}

func (h *BookingsHandler) attempt(w http.ResponseWriter, r *http.Request) {
	var in bookingAttemptReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	if in.TenantID <= 0 || in.Phone == "" || in.Vertical == "" || in.SlotStart.IsZero() || in.DurationMin <= 0 || in.Session == "" {
		response.BadRequest(w, "tenant_id, vertical, phone, slot_start, duration_min and session are required")
		return
	}

	result, err := h.Bookings.AttemptBooking(r.Context(), service.BookingAttempt{
		TenantID:           in.TenantID,
		BranchID:           in.BranchID,
		Vertical:           in.Vertical,
		CustomerID:         in.CustomerID,
		Phone:              in.Phone,
		SlotStart:          in.SlotStart,
		DurationMin:        in.DurationMin,
		HolderSession:      in.Session,
		ServiceAmountCents: in.ServiceAmountCents,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			response.BadRequest(w, err.Error())
			return
		}
		if errors.Is(err, domain.ErrPolicyNotFound) {
			response.NotFound(w, "no policy configured for this vertical")
			return
		}
		logger.ErrorContext(r.Context(), "Booking attempt failed", "error", err)
		response.InternalError(w, "error processing booking attempt")
		return
	}

	out := bookingAttemptRes{
		Allowed:    result.Allowed,
		Reason:     result.Reason,
		TrustScore: result.TrustScore,
	}
	if result.Requirements != nil {
		out.RequiresConfirmation = result.Requirements.RequiresConfirmation
		out.RequiresDeposit = result.Requirements.RequiresDeposit
		out.DepositAmountCents = result.Requirements.DepositAmountCents
	}

	status := http.StatusOK
	switch {
	case !result.Allowed && strings.Contains(result.Reason, "blocked"):
		status = http.StatusForbidden
	case !result.Allowed:
		status = http.StatusConflict
	default:
		out.HoldID = result.Hold.ID
		out.HoldExpiresAt = &result.Hold.ExpiresAt
		status = http.StatusCreated
	}
	response.WriteJSON(w, status, out)
}

type finalizeReq struct {
	TenantID           int64  `json:"tenant_id"`
	HoldID             int64  `json:"hold_id"`
	ReferenceType      string `json:"reference_type"`
	ReferenceID        int64  `json:"reference_id"`
	Channel            string `json:"channel"`
	Recipient          string `json:"recipient"`
	CustomerName       string `json:"customer_name,omitempty"`
	RequiresDeposit    bool   `json:"requires_deposit"`
	DepositAmountCents int64  `json:"deposit_amount_cents,omitempty"`
	ConfirmationHours  int    `json:"confirmation_hours,omitempty"`
}

func (h *BookingsHandler) finalize(w http.ResponseWriter, r *http.Request) {
	var in finalizeReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	refType := domain.ReferenceType(in.ReferenceType)
	if in.TenantID <= 0 || in.HoldID <= 0 || in.ReferenceID <= 0 || !refType.Valid() {
		response.BadRequest(w, "tenant_id, hold_id, reference_id and a valid reference_type are required")
		return
	}
	ch := domain.Channel(in.Channel)
	if ch == "" {
		ch = domain.ChannelWhatsApp
	}

	result, err := h.Bookings.FinalizeBooking(r.Context(), service.FinalizeRequest{
		TenantID:           in.TenantID,
		HoldID:             in.HoldID,
		ReferenceType:      refType,
		ReferenceID:        in.ReferenceID,
		Channel:            ch,
		Recipient:          in.Recipient,
		CustomerName:       in.CustomerName,
		RequiresDeposit:    in.RequiresDeposit,
		DepositAmountCents: in.DepositAmountCents,
		ConfirmationWindow: time.Duration(in.ConfirmationHours) * time.Hour,
	})
	if err != nil {
		if errors.Is(err, domain.ErrHoldNotFound) {
			response.NotFound(w, "hold not found")
			return
		}
		logger.ErrorContext(r.Context(), "Booking finalize failed", "error", err)
		response.InternalError(w, "error finalizing booking")
		return
	}
	if !result.Success {
		response.Conflict(w, result.Reason, response.CodeExpired)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{
		"hold_id":        result.Hold.ID,
		"status":         result.Hold.Status,
		"appointment_id": result.Hold.AppointmentID,
	})
}
