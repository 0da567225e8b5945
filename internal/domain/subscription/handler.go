package subscription

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meetslot/meetslot-api/internal/domain/credit"
	"github.com/meetslot/meetslot-api/internal/middleware"
	"github.com/meetslot/meetslot-api/internal/pkg/response"
	"github.com/meetslot/meetslot-api/internal/pkg/validator"
)

// Handler handles package HTTP requests
type Handler struct {
	service *Service
}

// NewHandler creates package handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// ListPackages handles GET /packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := h.service.ListPackages(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]*PackageResponse, len(packages))
	for i, p := range packages {
		items[i] = PackageResponseFromEntity(p)
	}
	response.OK(w, items)
}

// GetCurrent handles GET /packages/current
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	up, p, err := h.service.GetCurrent(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, UserPackageResponseFromEntity(up, p, time.Now()))
}

// Cancel handles POST /packages/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req CancelRequest
	if r.ContentLength != 0 {
		if err := response.DecodeJSON(r.Body, &req); err != nil {
			response.BadRequest(w, "invalid JSON body")
			return
		}
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if err := h.service.Cancel(r.Context(), userID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, map[string]string{"status": string(StatusCancelled)})
}

// Assign handles POST /admin/packages/assign
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	autoRenew := true
	if req.AutoRenew != nil {
		autoRenew = *req.AutoRenew
	}

	up, err := h.service.Assign(r.Context(), uuid.MustParse(req.UserID), uuid.MustParse(req.PackageID), autoRenew)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Info().
		Str("admin_id", middleware.GetUserID(r.Context()).String()).
		Str("user_id", req.UserID).
		Str("package_id", req.PackageID).
		Msg("admin assigned package")
	response.Created(w, UserPackageResponseFromEntity(up, nil, time.Now()))
}

// Renew handles POST /admin/packages/{id}/renew
func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid user package id")
		return
	}

	up, err := h.service.Renew(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, UserPackageResponseFromEntity(up, nil, time.Now()))
}

// Expire handles POST /admin/packages/{id}/expire
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid user package id")
		return
	}

	if err := h.service.Expire(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, map[string]string{"status": string(StatusExpired)})
}

// Routes returns the user-facing package routes
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListPackages)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/current", h.GetCurrent)
		r.Post("/cancel", h.Cancel)
	})
	return r
}

// AdminRoutes returns the package administration routes
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())

	r.Post("/assign", h.Assign)
	r.Post("/{id}/renew", h.Renew)
	r.Post("/{id}/expire", h.Expire)
	return r
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPackageNotFound):
		response.NotFound(w, "package not found")
	case errors.Is(err, ErrUserPackageNotFound):
		response.NotFound(w, "user package not found")
	case errors.Is(err, ErrNoActivePackage):
		response.NotFound(w, "no active package")
	case errors.Is(err, ErrPackageNotActive):
		response.Conflict(w, "package is not active")
	case errors.Is(err, ErrRenewalConflict), errors.Is(err, credit.ErrConcurrencyConflict):
		response.Conflict(w, "credit ledger is busy, retry later")
	default:
		log.Error().Err(err).Msg("package request failed")
		response.InternalError(w)
	}
}
