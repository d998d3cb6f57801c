// Package gin provides Gin middleware that gates routes on an active subscription
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// SubscriptionKey is the Gin context key holding the granting subscription
const SubscriptionKey = "billsync.subscription"

// CustomerExtractor identifies the billing customer from a Gin context.
// Return an empty CustomerRef if the caller is not authenticated.
type CustomerExtractor func(c *gongin.Context) billsync.CustomerRef

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
	OnUnauthorized func(c *gongin.Context)

	// OnPaymentRequired is called when no subscription grants access
	// If nil, returns 402 JSON with the customer's best status
	OnPaymentRequired func(c *gongin.Context, status billsync.SubscriptionStatus)

	// OnError is called when the subscription lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets subscribed customers through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Storage == nil {
		panic("billsync/gin: Config.Storage is required")
	}
	if cfg.GetCustomer == nil {
		panic("billsync/gin: Config.GetCustomer is required")
	}

	return func(c *gongin.Context) {
		customer := cfg.GetCustomer(c)
		if !customer.Valid() {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		rec, err := billsync.CheckAccess(c.Request.Context(), cfg.Storage, customer, cfg.Policy)
		if err != nil {
			var denied *billsync.AccessDeniedError
			switch {
			case errors.As(err, &denied) && cfg.OnPaymentRequired != nil:
				cfg.OnPaymentRequired(c, denied.Status)
			case errors.As(err, &denied):
				defaultPaymentRequired(c, denied.Status)
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal_error"})
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, rec)
		c.Next()
	}
}

func defaultPaymentRequired(c *gongin.Context, status billsync.SubscriptionStatus) {
	body := gongin.H{"error": "subscription_required"}
	if status != "" {
		body["status"] = status
	}
	c.JSON(http.StatusPaymentRequired, body)
}

// Subscription returns the subscription stored by Middleware
func Subscription(c *gongin.Context) (*billsync.SubscriptionRecord, bool) {
	val, exists := c.Get(SubscriptionKey)
	if !exists {
		return nil, false
	}
	rec, ok := val.(*billsync.SubscriptionRecord)
	return rec, ok
}

// FromContext returns a CustomerExtractor that reads a provider customer id
// set by auth middleware via c.Set(key, id)
func FromContext(key string) CustomerExtractor {
	return func(c *gongin.Context) billsync.CustomerRef {
		if val, exists := c.Get(key); exists {
			if id, ok := val.(string); ok {
				return billsync.CustomerRef{ExistingID: id}
			}
		}
		return billsync.CustomerRef{}
	}
}

// FromHeader returns a CustomerExtractor that reads a provider customer id from a header
func FromHeader(headerName string) CustomerExtractor {
	return func(c *gongin.Context) billsync.CustomerRef {
		return billsync.CustomerRef{ExistingID: c.GetHeader(headerName)}
	}
}

// FromParam returns a CustomerExtractor that reads a provider customer id from a route parameter
func FromParam(paramName string) CustomerExtractor {
	return func(c *gongin.Context) billsync.CustomerRef {
		return billsync.CustomerRef{ExistingID: c.Param(paramName)}
	}
}
