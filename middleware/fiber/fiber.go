// Package fiber provides Fiber middleware that gates routes on an active subscription
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// SubscriptionKey is the Locals key holding the granting subscription
const SubscriptionKey = "billsync.subscription"

// CustomerExtractor identifies the billing customer from a Fiber context.
// Return an empty CustomerRef if the caller is not authenticated.
type CustomerExtractor func(c *fiber.Ctx) billsync.CustomerRef

// Config holds middleware configuration
type Config struct {
	// Storage answers subscription lookups (required)
	Storage billsync.Storage

	// GetCustomer identifies the customer (required)
	GetCustomer CustomerExtractor

	// Policy decides which subscriptions grant access
	Policy billsync.AccessPolicy

	// OnUnauthorized is called when no customer could be identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnPaymentRequired is called when no subscription grants access
	// If nil, returns 402 JSON with the customer's best status
	OnPaymentRequired func(c *fiber.Ctx, status billsync.SubscriptionStatus) error

	// OnError is called when the subscription lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets subscribed customers through
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Storage == nil {
		panic("billsync/fiber: Config.Storage is required")
	}
	if cfg.GetCustomer == nil {
		panic("billsync/fiber: Config.GetCustomer is required")
	}

	return func(c *fiber.Ctx) error {
		customer := cfg.GetCustomer(c)
		if !customer.Valid() {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		rec, err := billsync.CheckAccess(c.UserContext(), cfg.Storage, customer, cfg.Policy)
		if err != nil {
			var denied *billsync.AccessDeniedError
			if errors.As(err, &denied) {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, denied.Status)
				}
				return defaultPaymentRequired(c, denied.Status)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
		}

		c.Locals(SubscriptionKey, rec)
		return c.Next()
	}
}

func defaultPaymentRequired(c *fiber.Ctx, status billsync.SubscriptionStatus) error {
	body := fiber.Map{"error": "subscription_required"}
	if status != "" {
		body["status"] = string(status)
	}
	return c.Status(fiber.StatusPaymentRequired).JSON(body)
}

// Subscription returns the subscription stored by Middleware
func Subscription(c *fiber.Ctx) (*billsync.SubscriptionRecord, bool) {
	rec, ok := c.Locals(SubscriptionKey).(*billsync.SubscriptionRecord)
	return rec, ok
}

// FromContext returns a CustomerExtractor that reads a provider customer id
// set by auth middleware via c.Locals(key, id)
func FromContext(key string) CustomerExtractor {
	return func(c *fiber.Ctx) billsync.CustomerRef {
		if id, ok := c.Locals(key).(string); ok {
			return billsync.CustomerRef{ExistingID: id}
		}
		return billsync.CustomerRef{}
	}
}

// FromHeader returns a CustomerExtractor that reads a provider customer id from a header
func FromHeader(headerName string) CustomerExtractor {
	return func(c *fiber.Ctx) billsync.CustomerRef {
		return billsync.CustomerRef{ExistingID: c.Get(headerName)}
	}
}

// FromParam returns a CustomerExtractor that reads a provider customer id from a route parameter
func FromParam(paramName string) CustomerExtractor {
	return func(c *fiber.Ctx) billsync.CustomerRef {
		return billsync.CustomerRef{ExistingID: c.Params(paramName)}
	}
}
