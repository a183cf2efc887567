package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/http/response"
	"github.com/slotline/bookguard/internal/service"
	"github.com/slotline/bookguard/pkg/logger"
)

type HoldsHandler struct {
	Holds service.HoldService
}

func NewHoldsHandler(holds service.HoldService) *HoldsHandler {
	return &HoldsHandler{Holds: holds}
}

func (h *HoldsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.create)
	r.Get("/{id}", h.getByID)
	r.Post("/{id}/convert", h.convert)
	r.Post("/{id}/extend", h.extend)
	r.Delete("/{id}", h.release)
	return r
}

type createHoldReq struct {
	TenantID    int64     `json:"tenant_id"`
	BranchID    *int64    `json:"branch_id,omitempty"`
	SlotStart   time.Time `json:"slot_start"`
	DurationMin int       `json:"duration_min"`
	Session     string    `json:"session"`
	CustomerID  *int64    `json:"customer_id,omitempty"`
	HoldMinutes int       `json:"hold_minutes,omitempty"`
}

func (h *HoldsHandler) create(w http.ResponseWriter, r *http.Request) {
	var in createHoldReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	if in.TenantID <= 0 || in.SlotStart.IsZero() || in.DurationMin <= 0 || in.Session == "" {
		response.BadRequest(w, "tenant_id, slot_start, duration_min and session are required")
		return
	}

	result, err := h.Holds.CreateHold(r.Context(), service.CreateHoldRequest{
		TenantID:      in.TenantID,
		BranchID:      in.BranchID,
		SlotStart:     in.SlotStart,
		DurationMin:   in.DurationMin,
		HolderSession: in.Session,
		CustomerID:    in.CustomerID,
		HoldMinutes:   in.HoldMinutes,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			response.BadRequest(w, err.Error())
			return
		}
		logger.ErrorContext(r.Context(), "Hold create failed", "error", err)
		response.InternalError(w, "error creating hold")
		return
	}
	if !result.Success {
		response.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":          result.Reason,
			"code":           response.CodeSlotTaken,
			"conflicting_id": result.ConflictingID,
		})
		return
	}
	response.WriteJSON(w, http.StatusCreated, result.Hold)
}

func (h *HoldsHandler) getByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "invalid id")
		return
	}
	hold, err := h.Holds.GetHold(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrHoldNotFound) {
			response.NotFound(w, "hold not found")
			return
		}
		logger.ErrorContext(r.Context(), "Hold lookup failed", "error", err)
		response.InternalError(w, "error getting hold")
		return
	}
	response.WriteJSON(w, http.StatusOK, hold)
}

type convertHoldReq struct {
	AppointmentID int64 `json:"appointment_id"`
}

func (h *HoldsHandler) convert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "invalid id")
		return
	}
	var in convertHoldReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.AppointmentID <= 0 {
		response.BadRequest(w, "appointment_id is required")
		return
	}

	result, err := h.Holds.ConvertToAppointment(r.Context(), id, in.AppointmentID)
	if err != nil {
		if errors.Is(err, domain.ErrHoldNotFound) {
			response.NotFound(w, "hold not found")
			return
		}
		logger.ErrorContext(r.Context(), "Hold convert failed", "error", err)
		response.InternalError(w, "error converting hold")
		return
	}
	if !result.Success {
		response.Conflict(w, result.Reason, response.CodeExpired)
		return
	}
	response.WriteJSON(w, http.StatusOK, result.Hold)
}

type extendHoldReq struct {
	AdditionalMinutes int `json:"additional_minutes"`
}

func (h *HoldsHandler) extend(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "invalid id")
		return
	}
	var in extendHoldReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}

	expiresAt, err := h.Holds.ExtendHold(r.Context(), id, in.AdditionalMinutes)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			response.BadRequest(w, "additional_minutes out of range")
		case errors.Is(err, domain.ErrHoldNotFound):
			response.NotFound(w, "hold not found")
		case errors.Is(err, domain.ErrHoldNotActive):
			response.Conflict(w, "hold is no longer active", response.CodeExpired)
		default:
			logger.ErrorContext(r.Context(), "Hold extend failed", "error", err)
			response.InternalError(w, "error extending hold")
		}
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"expires_at": expiresAt})
}

func (h *HoldsHandler) release(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "invalid id")
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "released by caller"
	}

	if err := h.Holds.ReleaseHold(r.Context(), id, reason); err != nil {
		if errors.Is(err, domain.ErrHoldNotFound) {
			response.NotFound(w, "hold not found")
			return
		}
		logger.ErrorContext(r.Context(), "Hold release failed", "error", err)
		response.InternalError(w, "error releasing hold")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
