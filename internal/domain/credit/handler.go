package credit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meetslot/meetslot-api/internal/middleware"
	"github.com/meetslot/meetslot-api/internal/pkg/response"
	"github.com/meetslot/meetslot-api/internal/pkg/validator"
)

const maxPageSize = 100

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Balance handles GET /credits/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	acc, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	response.OK(w, BalanceResponseFromAccount(acc, h.service.Ledger().Now()))
}

// ListUsage handles GET /credits/usage
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	p := parsePagination(r)
	entries, err := h.service.ListUsage(r.Context(), userID, p.peek())
	if err != nil {
		writeError(w, err)
		return
	}
	entries, hasNext := trimPage(entries, p.Limit)

	items := make([]*UsageResponse, len(entries))
	for i := range entries {
		items[i] = UsageResponseFromEntity(&entries[i], false)
	}
	response.Page(w, items, p.Limit, p.Offset, hasNext)
}

// ListTopups handles GET /credits/topups
func (h *Handler) ListTopups(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	p := parsePagination(r)
	topups, err := h.service.ListTopups(r.Context(), userID, p.peek())
	if err != nil {
		writeError(w, err)
		return
	}
	topups, hasNext := trimPage(topups, p.Limit)

	items := make([]*TopupResponse, len(topups))
	for i := range topups {
		items[i] = TopupResponseFromEntity(&topups[i])
	}
	response.Page(w, items, p.Limit, p.Offset, hasNext)
}

// ListCosts handles GET /admin/credits/costs
func (h *Handler) ListCosts(w http.ResponseWriter, r *http.Request) {
	costs, err := h.service.Costs().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, costs)
}

// UpdateCost handles PUT /admin/credits/costs/{service}
func (h *Handler) UpdateCost(w http.ResponseWriter, r *http.Request) {
	serviceType, err := ParseServiceType(chi.URLParam(r, "service"))
	if err != nil {
		response.BadRequest(w, "unknown service type")
		return
	}

	var req UpdateCostRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if err := h.service.Costs().Set(r.Context(), serviceType, *req.CreditCost); err != nil {
		writeError(w, err)
		return
	}

	log.Info().
		Str("admin_id", middleware.GetUserID(r.Context()).String()).
		Str("service_type", string(serviceType)).
		Int("credit_cost", *req.CreditCost).
		Msg("admin changed credit cost")
	response.OK(w, CostEntry{ServiceType: serviceType, CreditCost: *req.CreditCost, UpdatedAt: time.Now()})
}

// Purchase handles POST /admin/credits/users/{id}/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}

	var req PurchaseRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	topup, err := h.service.Purchase(r.Context(), userID, req.Credits, req.AmountPaid, req.Currency, req.ReferenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Created(w, TopupResponseFromEntity(topup))
}

// Grant handles POST /admin/credits/users/{id}/grant
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}

	var req GrantRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	adminID := middleware.GetUserID(r.Context())
	topup, err := h.service.Grant(r.Context(), userID, adminID, req.Credits, req.ReferenceID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Created(w, TopupResponseFromEntity(topup))
}

// SetUnlimited handles PUT /admin/credits/users/{id}/unlimited
func (h *Handler) SetUnlimited(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}

	var req UnlimitedRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	acc, err := h.service.SetUnlimited(r.Context(), userID, req.Unlimited, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, BalanceResponseFromAccount(acc, h.service.Ledger().Now()))
}

// SearchUsage handles GET /admin/credits/usage
func (h *Handler) SearchUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := parsePagination(r)
	filters := UsageFilters{Limit: p.Limit + 1, Offset: p.Offset}

	if v := q.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(w, "invalid user_id")
			return
		}
		filters.UserID = &id
	}
	if v := q.Get("status"); v != "" {
		status := UsageStatus(v)
		if status != UsageReserved && !status.Terminal() {
			response.BadRequest(w, "invalid status")
			return
		}
		filters.Status = &status
	}
	if v := q.Get("service_type"); v != "" {
		st, err := ParseServiceType(v)
		if err != nil {
			response.BadRequest(w, "invalid service_type")
			return
		}
		filters.ServiceType = &st
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.BadRequest(w, "invalid from")
			return
		}
		filters.DateFrom = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.BadRequest(w, "invalid to")
			return
		}
		filters.DateTo = &t
	}

	entries, err := h.service.SearchUsage(r.Context(), filters)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, hasNext := trimPage(entries, p.Limit)

	items := make([]*UsageResponse, len(entries))
	for i := range entries {
		items[i] = UsageResponseFromEntity(&entries[i], true)
	}
	response.Page(w, items, p.Limit, p.Offset, hasNext)
}

// Routes returns the user-facing credit routes
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/balance", h.Balance)
	r.Get("/usage", h.ListUsage)
	r.Get("/topups", h.ListTopups)
	return r
}

// AdminRoutes returns the credit administration routes
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())

	r.Get("/costs", h.ListCosts)
	r.Put("/costs/{service}", h.UpdateCost)
	r.Get("/usage", h.SearchUsage)
	r.Route("/users/{id}", func(r chi.Router) {
		r.Post("/purchase", h.Purchase)
		r.Post("/grant", h.Grant)
		r.Put("/unlimited", h.SetUnlimited)
	})
	return r
}

func userParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid user id")
		return uuid.Nil, false
	}
	return id, true
}

func parsePagination(r *http.Request) Pagination {
	p := Pagination{Limit: 20}
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			p.Limit = min(v, maxPageSize)
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			p.Offset = v
		}
	}
	return p
}

// peek asks for one row past the page so has_next is exact.
func (p Pagination) peek() Pagination {
	p.Limit++
	return p
}

func trimPage[T any](rows []T, limit int) ([]T, bool) {
	if len(rows) > limit {
		return rows[:limit], true
	}
	return rows, false
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		response.BadRequest(w, "amount must be greater than zero")
	case errors.Is(err, ErrInvalidServiceType):
		response.BadRequest(w, "unknown service type")
	case errors.Is(err, ErrInsufficientCredits):
		response.PaymentRequired(w, "insufficient credits")
	case errors.Is(err, ErrConcurrencyConflict):
		response.Conflict(w, "credit ledger is busy, retry later")
	case errors.Is(err, ErrReferenceConflict):
		response.Conflict(w, "reference id already used")
	default:
		log.Error().Err(err).Msg("credit request failed")
		response.InternalError(w)
	}
}
