package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meetslot/meetslot-api/internal/config"
	"github.com/meetslot/meetslot-api/internal/domain/billing"
	"github.com/meetslot/meetslot-api/internal/domain/credit"
	"github.com/meetslot/meetslot-api/internal/domain/subscription"
	"github.com/meetslot/meetslot-api/internal/pkg/jwt"
)

const testServiceToken = "svc-token"

type testApp struct {
	router chi.Router
	jwt    *jwt.Service
}

func newTestApp(t *testing.T, readiness func(context.Context) error) *testApp {
	t.Helper()
	cfg := &config.Config{
		AllowedOrigins:       []string{"http://localhost:3000"},
		InternalServiceToken: testServiceToken,
		DefaultCostEmail:     1,
		DefaultCostSMS:       6,
		DefaultCostWhatsApp:  1,
	}

	repo := credit.NewMemoryRepository()
	ledger := credit.NewLedger(repo, credit.LedgerOptions{Backoff: time.Millisecond})
	costs := credit.NewCostTable(repo, nil, 0, defaultCosts(cfg))
	creditService := credit.NewService(repo, ledger, costs)
	// package routes are not exercised here
	packageService := subscription.NewService(subscription.NewRepository(nil), creditService)

	jwtService := jwt.NewService("test-secret", time.Minute)
	return &testApp{
		jwt: jwtService,
		router: newRouter(routerDeps{
			cfg:            cfg,
			jwt:            jwtService,
			credits:        credit.NewHandler(creditService),
			packages:       subscription.NewHandler(packageService),
			billing:        billing.NewHandler(billing.NewGuard(repo, ledger, costs, nil)),
			readinessCheck: readiness,
		}),
	}
}

func (a *testApp) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	token, err := a.jwt.GenerateAccessToken(userID, role)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		readiness func(context.Context) error
		want      int
	}{
		{name: "healthy", readiness: func(context.Context) error { return nil }, want: http.StatusOK},
		{name: "database down", readiness: func(context.Context) error { return errors.New("dial tcp: refused") }, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, tt.readiness)
			w := app.do(t, http.MethodGet, "/health", "", nil)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestMetricsExposed(t *testing.T) {
	app := newTestApp(t, nil)

	w := app.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	app := newTestApp(t, nil)

	w := app.do(t, http.MethodGet, "/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestRouteProtection(t *testing.T) {
	app := newTestApp(t, nil)
	user := app.token(t, uuid.New(), jwt.RoleUser)

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
		want   int
	}{
		{name: "balance without token", method: http.MethodGet, path: "/api/v1/credits/balance", want: http.StatusUnauthorized},
		{name: "balance as user", method: http.MethodGet, path: "/api/v1/credits/balance", bearer: user, want: http.StatusOK},
		{name: "admin costs as user", method: http.MethodGet, path: "/api/admin/credits/costs", bearer: user, want: http.StatusForbidden},
		{name: "admin packages as user", method: http.MethodPost, path: "/api/admin/packages/assign", bearer: user, want: http.StatusForbidden},
		{name: "internal with user jwt", method: http.MethodPost, path: "/internal/billing/confirm", bearer: user, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(t, tt.method, tt.path, tt.bearer, nil)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestPurchaseReserveConfirmFlow(t *testing.T) {
	app := newTestApp(t, nil)
	userID := uuid.New()
	admin := app.token(t, uuid.New(), jwt.RoleAdmin)

	w := app.do(t, http.MethodPost, "/api/admin/credits/users/"+userID.String()+"/purchase", admin, map[string]any{
		"credits":      10,
		"amount_paid":  "5.00",
		"currency":     "USD",
		"reference_id": "order-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("purchase: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = app.do(t, http.MethodPost, "/internal/billing/reserve", testServiceToken, map[string]any{
		"user_id":         userID.String(),
		"service_type":    "sms",
		"notification_id": "n-1",
		"recipient":       "+15550100",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("reserve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = app.do(t, http.MethodPost, "/internal/billing/confirm", testServiceToken, map[string]string{"notification_id": "n-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d", w.Code)
	}

	w = app.do(t, http.MethodGet, "/api/v1/credits/balance", app.token(t, userID, jwt.RoleUser), nil)
	var env struct {
		Data struct {
			Balance int `json:"balance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if env.Data.Balance != 4 {
		t.Fatalf("expected balance 4, got %d", env.Data.Balance)
	}
}
