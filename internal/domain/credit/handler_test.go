package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meetslot/meetslot-api/internal/middleware"
	"github.com/meetslot/meetslot-api/internal/pkg/jwt"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta *struct {
		Limit   int  `json:"limit"`
		Offset  int  `json:"offset"`
		HasNext bool `json:"has_next"`
	} `json:"meta"`
}

type handlerFixture struct {
	router  chi.Router
	jwt     *jwt.Service
	service *Service
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	svc, _ := newTestService(nil)
	jwtSvc := jwt.NewService("test-secret", time.Minute)
	auth := middleware.Auth(jwtSvc)

	h := NewHandler(svc)
	r := chi.NewRouter()
	r.Mount("/credits", h.Routes(auth))
	r.Mount("/admin/credits", h.AdminRoutes(auth))
	return &handlerFixture{router: r, jwt: jwtSvc, service: svc}
}

func (f *handlerFixture) do(t *testing.T, method, path, role string, userID uuid.UUID, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		token, err := f.jwt.GenerateAccessToken(userID, role)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return w, env
}

func TestBalanceRequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)

	w, _ := f.do(t, http.MethodGet, "/credits/balance", "", uuid.Nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestBalanceReturnsLedgerState(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()
	if _, _, err := f.service.AddCredits(context.Background(), userID, 42, TopupMeta{Type: TopupAdminGrant}); err != nil {
		t.Fatalf("add: %v", err)
	}

	w, env := f.do(t, http.MethodGet, "/credits/balance", jwt.RoleUser, userID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var got BalanceResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if got.Balance != 42 || got.IsUnlimited {
		t.Fatalf("unexpected balance: %+v", got)
	}
}

func TestAdminRoutesRejectUsers(t *testing.T) {
	f := newHandlerFixture(t)

	w, _ := f.do(t, http.MethodGet, "/admin/credits/costs", jwt.RoleUser, uuid.New(), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestUpdateCost(t *testing.T) {
	f := newHandlerFixture(t)
	adminID := uuid.New()

	w, _ := f.do(t, http.MethodPut, "/admin/credits/costs/sms", jwt.RoleAdmin, adminID, map[string]int{"credit_cost": 3})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	cost, err := f.service.Costs().Cost(context.Background(), ServiceSMS)
	if err != nil || cost != 3 {
		t.Fatalf("expected cost 3, got %d (%v)", cost, err)
	}

	w, _ = f.do(t, http.MethodPut, "/admin/credits/costs/fax", jwt.RoleAdmin, adminID, map[string]int{"credit_cost": 3})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown service, got %d", w.Code)
	}

	w, env := f.do(t, http.MethodPut, "/admin/credits/costs/sms", jwt.RoleAdmin, adminID, map[string]any{})
	if w.Code != http.StatusUnprocessableEntity || env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %d %+v", w.Code, env.Error)
	}
}

func TestPurchaseAndListTopups(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()
	path := "/admin/credits/users/" + userID.String() + "/purchase"
	body := map[string]any{"credits": 100, "amount_paid": "9.50", "currency": "USD", "reference_id": "inv-1"}

	w, _ := f.do(t, http.MethodPost, path, jwt.RoleAdmin, uuid.New(), body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w, _ = f.do(t, http.MethodPost, path, jwt.RoleAdmin, uuid.New(), body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 on replay, got %d", w.Code)
	}

	w, env := f.do(t, http.MethodGet, "/credits/topups", jwt.RoleUser, userID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var topups []TopupResponse
	if err := json.Unmarshal(env.Data, &topups); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(topups) != 1 || topups[0].CreditsAdded != 100 || topups[0].ReferenceID != "inv-1" {
		t.Fatalf("unexpected topups: %+v", topups)
	}
}

func TestListTopupsPages(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()
	path := "/admin/credits/users/" + userID.String() + "/purchase"
	for _, ref := range []string{"inv-a", "inv-b", "inv-c"} {
		body := map[string]any{"credits": 10, "amount_paid": "1.00", "currency": "USD", "reference_id": ref}
		if w, _ := f.do(t, http.MethodPost, path, jwt.RoleAdmin, uuid.New(), body); w.Code != http.StatusCreated {
			t.Fatalf("purchase %s: %d %s", ref, w.Code, w.Body.String())
		}
	}

	tests := []struct {
		query   string
		items   int
		hasNext bool
	}{
		{"?limit=2", 2, true},
		{"?limit=2&offset=2", 1, false},
		{"?limit=3", 3, false},
		{"", 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w, env := f.do(t, http.MethodGet, "/credits/topups"+tt.query, jwt.RoleUser, userID, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			var topups []TopupResponse
			if err := json.Unmarshal(env.Data, &topups); err != nil {
				t.Fatalf("decode data: %v", err)
			}
			if len(topups) != tt.items {
				t.Fatalf("expected %d items, got %d", tt.items, len(topups))
			}
			if env.Meta == nil || env.Meta.HasNext != tt.hasNext {
				t.Fatalf("expected has_next %v, got %+v", tt.hasNext, env.Meta)
			}
		})
	}
}

func TestPurchaseReferenceOfAnotherUser(t *testing.T) {
	f := newHandlerFixture(t)
	body := map[string]any{"credits": 10, "amount_paid": "1.00", "currency": "USD", "reference_id": "inv-shared"}

	w, _ := f.do(t, http.MethodPost, "/admin/credits/users/"+uuid.NewString()+"/purchase", jwt.RoleAdmin, uuid.New(), body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	w, env := f.do(t, http.MethodPost, "/admin/credits/users/"+uuid.NewString()+"/purchase", jwt.RoleAdmin, uuid.New(), body)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if env.Error == nil || env.Error.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT error, got %+v", env.Error)
	}
}

func TestPurchaseValidatesCurrency(t *testing.T) {
	f := newHandlerFixture(t)
	path := "/admin/credits/users/" + uuid.NewString() + "/purchase"

	w, _ := f.do(t, http.MethodPost, path, jwt.RoleAdmin, uuid.New(), map[string]any{
		"credits": 10, "amount_paid": "1.00", "currency": "usd", "reference_id": "inv-2",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestSetUnlimited(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()

	w, env := f.do(t, http.MethodPut, "/admin/credits/users/"+userID.String()+"/unlimited", jwt.RoleAdmin, uuid.New(), map[string]any{"unlimited": true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got BalanceResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !got.IsUnlimited || !got.UnlimitedActive {
		t.Fatalf("expected unlimited, got %+v", got)
	}
}
