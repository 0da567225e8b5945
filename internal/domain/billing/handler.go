package billing

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meetslot/meetslot-api/internal/domain/credit"
	"github.com/meetslot/meetslot-api/internal/pkg/response"
	"github.com/meetslot/meetslot-api/internal/pkg/validator"
)

// ReserveBody is the wire form of ReserveRequest
type ReserveBody struct {
	UserID            string `json:"user_id" validate:"required,uuid"`
	ServiceType       string `json:"service_type" validate:"required,service_type"`
	NotificationID    string `json:"notification_id" validate:"required,max=255"`
	Recipient         string `json:"recipient" validate:"max=255"`
	RelatedEntityType string `json:"related_entity_type" validate:"max=50"`
}

type SettleBody struct {
	NotificationID string `json:"notification_id" validate:"required,max=255"`
}

// Handler exposes the Guard to senders running outside this process.
type Handler struct {
	guard Guard
}

func NewHandler(guard Guard) *Handler {
	return &Handler{guard: guard}
}

// Reserve handles POST /internal/billing/reserve
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var body ReserveBody
	if err := response.DecodeJSON(r.Body, &body); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&body); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	serviceType, _ := credit.ParseServiceType(body.ServiceType)
	result, err := h.guard.ReserveCredits(r.Context(), ReserveRequest{
		UserID:            uuid.MustParse(body.UserID),
		ServiceType:       serviceType,
		NotificationID:    body.NotificationID,
		Recipient:         body.Recipient,
		RelatedEntityType: body.RelatedEntityType,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, result)
}

// Confirm handles POST /internal/billing/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.guard.ConfirmCreditsUsed)
}

// Refund handles POST /internal/billing/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.guard.RefundCredits)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, notificationID string) error) {
	var body SettleBody
	if err := response.DecodeJSON(r.Body, &body); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&body); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if err := fn(r.Context(), body.NotificationID); err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, map[string]interface{}{"notification_id": body.NotificationID})
}

// Routes returns the internal billing routes. serviceAuth guards all of them.
func (h *Handler) Routes(serviceAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(serviceAuth)
	r.Post("/reserve", h.Reserve)
	r.Post("/confirm", h.Confirm)
	r.Post("/refund", h.Refund)
	return r
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMissingNotificationID), errors.Is(err, ErrMissingUserID):
		response.BadRequest(w, err.Error())
	case errors.Is(err, credit.ErrInvalidServiceType):
		response.BadRequest(w, "unknown service type")
	case errors.Is(err, credit.ErrConcurrencyConflict):
		response.Conflict(w, "credit ledger is busy, retry later")
	default:
		log.Error().Err(err).Msg("billing request failed")
		response.InternalError(w)
	}
}
