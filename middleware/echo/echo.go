// Package echo provides Echo middleware that gates routes on an active subscription
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// SubscriptionKey is the Echo context key holding the granting subscription
const SubscriptionKey = "billsync.subscription"

// CustomerExtractor identifies the billing customer from an Echo context.
// Return an empty CustomerRef if the caller is not authenticated.
type CustomerExtractor func(c echo.Context) billsync.CustomerRef

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
	OnUnauthorized func(c echo.Context) error

	// OnPaymentRequired is called when no subscription grants access
	// If nil, returns 402 JSON with the customer's best status
	OnPaymentRequired func(c echo.Context, status billsync.SubscriptionStatus) error

	// OnError is called when the subscription lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets subscribed customers through
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Storage == nil {
		panic("billsync/echo: Config.Storage is required")
	}
	if cfg.GetCustomer == nil {
		panic("billsync/echo: Config.GetCustomer is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			customer := cfg.GetCustomer(c)
			if !customer.Valid() {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			rec, err := billsync.CheckAccess(c.Request().Context(), cfg.Storage, customer, cfg.Policy)
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
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_error"})
			}

			c.Set(SubscriptionKey, rec)
			return next(c)
		}
	}
}

func defaultPaymentRequired(c echo.Context, status billsync.SubscriptionStatus) error {
	body := map[string]string{"error": "subscription_required"}
	if status != "" {
		body["status"] = string(status)
	}
	return c.JSON(http.StatusPaymentRequired, body)
}

// Subscription returns the subscription stored by Middleware
func Subscription(c echo.Context) (*billsync.SubscriptionRecord, bool) {
	rec, ok := c.Get(SubscriptionKey).(*billsync.SubscriptionRecord)
	return rec, ok
}

// FromContext returns a CustomerExtractor that reads a provider customer id
// set by auth middleware via c.Set(key, id)
func FromContext(key string) CustomerExtractor {
	return func(c echo.Context) billsync.CustomerRef {
		if id, ok := c.Get(key).(string); ok {
			return billsync.CustomerRef{ExistingID: id}
		}
		return billsync.CustomerRef{}
	}
}

// FromHeader returns a CustomerExtractor that reads a provider customer id from a header
func FromHeader(headerName string) CustomerExtractor {
	return func(c echo.Context) billsync.CustomerRef {
		return billsync.CustomerRef{ExistingID: c.Request().Header.Get(headerName)}
	}
}

// FromParam returns a CustomerExtractor that reads a provider customer id from a route parameter
func FromParam(paramName string) CustomerExtractor {
	return func(c echo.Context) billsync.CustomerRef {
		return billsync.CustomerRef{ExistingID: c.Param(paramName)}
	}
}
