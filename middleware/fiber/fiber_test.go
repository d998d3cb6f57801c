package fiber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

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

func setupStorage(t *testing.T, customerID string, status billsync.SubscriptionStatus) *memory.Storage {
	t.Helper()

	storage := memory.New()
	err := storage.CacheSubscription(context.Background(), &billsync.SubscriptionRecord{
		SubscriptionID: "sub_" + customerID,
		Customer:       billsync.CustomerRef{ExistingID: customerID},
		PlanID:         "pro",
		Status:         status,
		Version:        1,
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
	return storage
}

func setupApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	app.Get("/api/reports", func(c *fiber.Ctx) error {
		rec, ok := Subscription(c)
		if !ok {
			return c.Status(fiber.StatusInternalServerError).SendString("missing subscription")
		}
		return c.SendString(rec.SubscriptionID)
	})
	return app
}

func TestMiddleware_Active(t *testing.T) {
	app := setupApp(Config{
		Storage:     setupStorage(t, "cus_1", billsync.StatusActive),
		GetCustomer: FromHeader("X-Customer-ID"),
	})

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req.Header.Set("X-Customer-ID", "cus_1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "sub_cus_1" {
		t.Errorf("Expected 'sub_cus_1', got %s", string(body))
	}
}

func TestMiddleware_PaymentRequired(t *testing.T) {
	app := setupApp(Config{
		Storage:     setupStorage(t, "cus_1", billsync.StatusIncomplete),
		GetCustomer: FromHeader("X-Customer-ID"),
	})

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req.Header.Set("X-Customer-ID", "cus_1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "incomplete" {
		t.Errorf("Expected status incomplete, got %q", body["status"])
	}
}

func TestMiddleware_PlanRestriction(t *testing.T) {
	app := setupApp(Config{
		Storage:     setupStorage(t, "cus_1", billsync.StatusActive),
		GetCustomer: FromHeader("X-Customer-ID"),
		Policy:      billsync.AccessPolicy{Plans: []string{"pro"}},
	})

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req.Header.Set("X-Customer-ID", "cus_1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	app := setupApp(Config{
		Storage:     memory.New(),
		GetCustomer: FromHeader("X-Customer-ID"),
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/reports", http.NoBody))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	app := setupApp(Config{
		Storage:     &errorStorage{Storage: memory.New()},
		GetCustomer: FromHeader("X-Customer-ID"),
	})

	req := httptest.NewRequest("GET", "/api/reports", http.NoBody)
	req.Header.Set("X-Customer-ID", "cus_1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", resp.StatusCode)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	storage := setupStorage(t, "cus_ctx", billsync.StatusActive)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("CustomerID", "cus_ctx")
		return c.Next()
	})
	app.Use(Middleware(Config{Storage: storage, GetCustomer: FromContext("CustomerID")}))
	app.Get("/api/reports", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/reports", http.NoBody))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
}

func TestMiddleware_FromParam(t *testing.T) {
	storage := setupStorage(t, "cus_9", billsync.StatusActive)

	app := fiber.New()
	app.Get("/customers/:id/reports", Middleware(Config{Storage: storage, GetCustomer: FromParam("id")}),
		func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusNoContent)
		})

	resp, err := app.Test(httptest.NewRequest("GET", "/customers/cus_9/reports", http.NoBody))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
}
