// Package http provides HTTP middleware that gates handlers on an active subscription
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// CustomerExtractor identifies the billing customer of a request.
// Return an empty CustomerRef if the caller is not authenticated.
type CustomerExtractor func(r *http.Request) billsync.CustomerRef

// Config holds middleware configuration
type Config struct {
	// Storage answers subscription lookups (required)
	Storage billsync.Storage

	// GetCustomer identifies the customer from the request (required)
	GetCustomer CustomerExtractor

	// Policy decides which subscriptions grant access
	Policy billsync.AccessPolicy

	// OnUnauthorized is called when no customer could be identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnPaymentRequired is called when no subscription grants access.
	// status is the customer's most advanced subscription status, empty if none.
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, status billsync.SubscriptionStatus)

	// OnError is called when the subscription lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that only lets subscribed customers through.
// The granting record is available to the next handler via SubscriptionFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Storage == nil {
		panic("billsync/http: Config.Storage is required")
	}
	if config.GetCustomer == nil {
		panic("billsync/http: Config.GetCustomer is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			customer := config.GetCustomer(r)
			if !customer.Valid() {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "unauthorized", "")
				}
				return
			}

			rec, err := billsync.CheckAccess(r.Context(), config.Storage, customer, config.Policy)
			if err != nil {
				var denied *billsync.AccessDeniedError
				if errors.As(err, &denied) {
					if config.OnPaymentRequired != nil {
						config.OnPaymentRequired(w, r, denied.Status)
					} else {
						writeError(w, http.StatusPaymentRequired, "subscription_required", denied.Status)
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "internal_error", "")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubscription(r.Context(), rec)))
		})
	}
}

// HandlerFunc creates the middleware for a single http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeError(w http.ResponseWriter, code int, errCode string, status billsync.SubscriptionStatus) {
	body := map[string]string{"error": errCode}
	if status != "" {
		body["status"] = string(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// CustomerIDKey is the context key for the provider customer id
	CustomerIDKey ContextKey = "billsync:customerID"

	subscriptionKey ContextKey = "billsync:subscription"
)

// WithCustomerID adds a provider customer id to the context, for FromContext
func WithCustomerID(ctx context.Context, customerID string) context.Context {
	return context.WithValue(ctx, CustomerIDKey, customerID)
}

// WithSubscription stores the granting subscription in the context
func WithSubscription(ctx context.Context, rec *billsync.SubscriptionRecord) context.Context {
	return context.WithValue(ctx, subscriptionKey, rec)
}

// SubscriptionFromContext returns the subscription that let the request through
func SubscriptionFromContext(ctx context.Context) (*billsync.SubscriptionRecord, bool) {
	rec, ok := ctx.Value(subscriptionKey).(*billsync.SubscriptionRecord)
	return rec, ok && rec != nil
}

// FromContext returns a CustomerExtractor that reads a provider customer id
// placed in the request context by auth middleware
func FromContext(key ContextKey) CustomerExtractor {
	return func(r *http.Request) billsync.CustomerRef {
		if id, ok := r.Context().Value(key).(string); ok {
			return billsync.CustomerRef{ExistingID: id}
		}
		return billsync.CustomerRef{}
	}
}

// FromHeader returns a CustomerExtractor that reads a provider customer id from a header
func FromHeader(headerName string) CustomerExtractor {
	return func(r *http.Request) billsync.CustomerRef {
		return billsync.CustomerRef{ExistingID: r.Header.Get(headerName)}
	}
}

// EmailFromHeader returns a CustomerExtractor for customers known only by email
func EmailFromHeader(headerName string) CustomerExtractor {
	return func(r *http.Request) billsync.CustomerRef {
		return billsync.CustomerRef{Email: r.Header.Get(headerName)}
	}
}
