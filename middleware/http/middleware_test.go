package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

// errorStorage is a mock storage that always fails on lookups
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) ListSubscriptionsByCustomer(_ context.Context, _ string) ([]*billsync.SubscriptionRecord, error) {
	return nil, errors.New("connection refused")
}

// Test helper to create storage holding one subscription for customer
func setupStorage(t *testing.T, customerID string, status billsync.SubscriptionStatus) *memory.Storage {
	t.Helper()

	storage := memory.New()
	err := storage.CacheSubscription(context.Background(), &billsync.SubscriptionRecord{
		SubscriptionID: "sub_" + customerID,
		Customer:       billsync.CustomerRef{ExistingID: customerID},
		PlanID:         "pro",
		Status:         status,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
	return storage
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := SubscriptionFromContext(r.Context())
		if !ok {
			t.Error("Expected subscription in context")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(rec.SubscriptionID))
	})
}

func TestMiddleware_Active(t *testing.T) {
	storage := setupStorage(t, "cus_1", billsync.StatusActive)

	handler := Middleware(Config{
		Storage:     storage,
		GetCustomer: FromHeader("X-Customer-ID"),
	})(okHandler(t))

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req.Header.Set("X-Customer-ID", "cus_1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "sub_cus_1" {
		t.Errorf("Expected 'sub_cus_1', got %s", w.Body.String())
	}
}

func TestMiddleware_PaymentRequired(t *testing.T) {
	tests := []struct {
		name       string
		status     billsync.SubscriptionStatus
		policy     billsync.AccessPolicy
		wantCode   int
		wantStatus string
	}{
		{name: "incomplete", status: billsync.StatusIncomplete, wantCode: http.StatusPaymentRequired, wantStatus: "incomplete"},
		{name: "canceled", status: billsync.StatusCanceled, wantCode: http.StatusPaymentRequired, wantStatus: "canceled"},
		{name: "past due", status: billsync.StatusPastDue, wantCode: http.StatusPaymentRequired, wantStatus: "past_due"},
		{name: "past due grace", status: billsync.StatusPastDue, policy: billsync.AccessPolicy{AllowPastDue: true}, wantCode: http.StatusOK},
		{name: "other plan", status: billsync.StatusActive, policy: billsync.AccessPolicy{Plans: []string{"team"}}, wantCode: http.StatusPaymentRequired, wantStatus: "active"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Middleware(Config{
				Storage:     setupStorage(t, "cus_1", tt.status),
				GetCustomer: FromHeader("X-Customer-ID"),
				Policy:      tt.policy,
			})(okHandler(t))

			req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
			req.Header.Set("X-Customer-ID", "cus_1")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantCode != http.StatusPaymentRequired {
				return
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if body["error"] != "subscription_required" || body["status"] != tt.wantStatus {
				t.Errorf("Unexpected body: %v", body)
			}
		})
	}
}

func TestMiddleware_NoSubscription(t *testing.T) {
	called := false
	handler := Middleware(Config{
		Storage:     memory.New(),
		GetCustomer: FromHeader("X-Customer-ID"),
		OnPaymentRequired: func(w http.ResponseWriter, _ *http.Request, status billsync.SubscriptionStatus) {
			called = true
			if status != "" {
				t.Errorf("Expected empty status, got %s", status)
			}
			w.WriteHeader(http.StatusForbidden)
		},
	})(okHandler(t))

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req.Header.Set("X-Customer-ID", "cus_unknown")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Expected OnPaymentRequired to be called")
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	handler := Middleware(Config{
		Storage:     memory.New(),
		GetCustomer: FromHeader("X-Customer-ID"),
	})(okHandler(t))

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	var gotErr error
	handler := Middleware(Config{
		Storage:     &errorStorage{Storage: memory.New()},
		GetCustomer: FromHeader("X-Customer-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(okHandler(t))

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req.Header.Set("X-Customer-ID", "cus_1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if gotErr == nil {
		t.Error("Expected OnError to receive the storage error")
	}
}

func TestMiddleware_StorageErrorDefault(t *testing.T) {
	handler := Middleware(Config{
		Storage:     &errorStorage{Storage: memory.New()},
		GetCustomer: FromHeader("X-Customer-ID"),
	})(okHandler(t))

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req.Header.Set("X-Customer-ID", "cus_1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	storage := setupStorage(t, "cus_ctx", billsync.StatusActive)

	handler := HandlerFunc(Config{
		Storage:     storage,
		GetCustomer: FromContext(CustomerIDKey),
	})(okHandler(t).ServeHTTP)

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req = req.WithContext(WithCustomerID(req.Context(), "cus_ctx"))
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestMiddleware_EmailCustomer(t *testing.T) {
	storage := memory.New()
	err := storage.CacheSubscription(context.Background(), &billsync.SubscriptionRecord{
		SubscriptionID: "sub_email",
		Customer:       billsync.CustomerRef{Email: "Ada@Example.com"},
		PlanID:         "pro",
		Status:         billsync.StatusActive,
		Version:        1,
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}

	handler := Middleware(Config{
		Storage:     storage,
		GetCustomer: EmailFromHeader("X-Customer-Email"),
	})(okHandler(t))

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req.Header.Set("X-Customer-Email", "ada@example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing storage")
		}
	}()
	Middleware(Config{GetCustomer: FromHeader("X-Customer-ID")})
}
