package api

import (
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// CheckoutRequest is the body of POST /billing/checkout
type CheckoutRequest struct {
	PlanID   string            `json:"plan_id"`
	Interval string            `json:"interval"`
	Customer CustomerRequest   `json:"customer"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Nonce must be resent unchanged when retrying the same checkout
	Nonce string `json:"nonce,omitempty"`
}

// CustomerRequest identifies the customer by provider id or by email
type CustomerRequest struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

// CheckoutResponse is returned when a checkout session was created (or reused)
type CheckoutResponse struct {
	SessionID      string `json:"session_id"`
	RedirectURL    string `json:"redirect_url"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id"`
	Outcome  string `json:"outcome"`
}

// SubscriptionResponse is the read-only view of one subscription
type SubscriptionResponse struct {
	SubscriptionID   string                   `json:"subscription_id"`
	Status           string                   `json:"status"`
	PlanID           string                   `json:"plan_id,omitempty"`
	Customer         billsync.CustomerRef     `json:"customer"`
	CurrentPeriodEnd *time.Time               `json:"current_period_end,omitempty"`
	Version          int64                    `json:"version"`
	UpdatedAt        time.Time                `json:"updated_at"`
	History          []*billsync.AppliedEvent `json:"history,omitempty"`
}

// SubscriptionListResponse lists a customer's subscriptions
type SubscriptionListResponse struct {
	CustomerKey   string                 `json:"customer_key"`
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

// ErrorResponse is the JSON error body
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func newSubscriptionResponse(rec *billsync.SubscriptionRecord, history []*billsync.AppliedEvent) SubscriptionResponse {
	return SubscriptionResponse{
		SubscriptionID:   rec.SubscriptionID,
		Status:           string(rec.Status),
		PlanID:           rec.PlanID,
		Customer:         rec.Customer,
		CurrentPeriodEnd: rec.CurrentPeriodEnd,
		Version:          rec.Version,
		UpdatedAt:        rec.UpdatedAt,
		History:          history,
	}
}
