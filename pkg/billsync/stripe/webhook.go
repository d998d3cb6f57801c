package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// SignatureHeader is the header Stripe signs webhook deliveries with
const SignatureHeader = "Stripe-Signature"

// VerifierConfig configures webhook verification
type VerifierConfig struct {
	// WebhookSecret is the endpoint signing secret (whsec_...)
	WebhookSecret string

	// Tolerance is the maximum signature age. Default: webhook.DefaultTolerance (5 minutes)
	Tolerance time.Duration

	// Catalog resolves Stripe price ids to plans when metadata lacks plan_id. Optional.
	Catalog *billsync.Catalog
}

// Verifier implements billsync.Verifier for Stripe-Signature headers
type Verifier struct {
	secret    string
	tolerance time.Duration
	catalog   *billsync.Catalog
}

// NewVerifier creates a Stripe webhook verifier
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is empty", billsync.ErrNotConfigured)
	}
	tolerance := config.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, catalog: config.Catalog}, nil
}

// Verify checks the signature over the raw payload and decodes the event
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*billsync.ProviderEvent, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, billsync.ErrMissingSignature
	}

	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		if errors.Is(err, webhook.ErrNotSigned) {
			return nil, fmt.Errorf("%w: %v", billsync.ErrMissingSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", billsync.ErrSignatureMismatch, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billsync.ErrMalformedPayload, err)
	}
	if event.ID == "" || event.Type == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event id, type and data.object are required", billsync.ErrMalformedPayload)
	}

	// Stripe does not send one; accepted for relays that stamp a delivery sequence
	var envelope struct {
		Sequence int64 `json:"sequence"`
	}
	_ = json.Unmarshal(payload, &envelope)

	out := &billsync.ProviderEvent{
		ID:       event.ID,
		Type:     string(event.Type),
		Sequence: envelope.Sequence,
		Payload:  append([]byte(nil), event.Data.Raw...),
	}
	if event.Created > 0 {
		out.OccurredAt = time.Unix(event.Created, 0).UTC()
	}

	obj, err := v.decodeObject(out.Type, event.Data.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billsync.ErrMalformedPayload, err)
	}
	out.Object = obj

	return out, nil
}

func (v *Verifier) decodeObject(eventType string, raw json.RawMessage) (billsync.EventObject, error) {
	switch {
	case eventType == billsync.EventCheckoutSessionCompleted,
		eventType == billsync.EventCheckoutSessionExpired:
		return v.decodeCheckoutSession(raw)
	case strings.HasPrefix(eventType, "customer.subscription."):
		return v.decodeSubscription(raw)
	case strings.HasPrefix(eventType, "invoice."):
		return v.decodeInvoice(raw)
	default:
		// Unknown types are acknowledged without inspection
		return billsync.EventObject{}, nil
	}
}

func (v *Verifier) decodeSubscription(raw json.RawMessage) (billsync.EventObject, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return billsync.EventObject{}, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.ID == "" {
		return billsync.EventObject{}, fmt.Errorf("subscription id missing")
	}

	obj := billsync.EventObject{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		PlanID:         sub.Metadata["plan_id"],
	}
	if sub.Customer != nil {
		obj.CustomerID = sub.Customer.ID
	}
	if obj.PlanID == "" && sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if plan, ok := v.planForPrice(item.Price.ID); ok {
				obj.PlanID = plan
				break
			}
		}
	}

	// Period end moved from the subscription to its items in recent API versions
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err == nil {
		obj.CurrentPeriodEnd = unixField(rawData, "current_period_end")
		if obj.CurrentPeriodEnd == nil {
			if item := firstListItem(rawData, "items"); item != nil {
				obj.CurrentPeriodEnd = unixField(item, "current_period_end")
			}
		}
	}

	return obj, nil
}

func (v *Verifier) decodeInvoice(raw json.RawMessage) (billsync.EventObject, error) {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return billsync.EventObject{}, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	obj := billsync.EventObject{
		SubscriptionID: expandableID(rawData["subscription"]),
		CustomerID:     expandableID(rawData["customer"]),
	}
	if email, ok := rawData["customer_email"].(string); ok && obj.CustomerID == "" {
		obj.CustomerEmail = email
	}

	// Newer API versions nest the subscription under parent.subscription_details
	if obj.SubscriptionID == "" {
		if parent, ok := rawData["parent"].(map[string]interface{}); ok {
			if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
				obj.SubscriptionID = expandableID(details["subscription"])
				if md, ok := details["metadata"].(map[string]interface{}); ok {
					obj.PlanID, _ = md["plan_id"].(string)
				}
			}
		}
	}

	if line := firstListItem(rawData, "lines"); line != nil {
		if period, ok := line["period"].(map[string]interface{}); ok {
			obj.CurrentPeriodEnd = unixField(period, "end")
		}
		if obj.PlanID == "" {
			if price, ok := line["price"].(map[string]interface{}); ok {
				if id, ok := price["id"].(string); ok {
					obj.PlanID, _ = v.planForPrice(id)
				}
			}
		}
	}

	return obj, nil
}

func (v *Verifier) decodeCheckoutSession(raw json.RawMessage) (billsync.EventObject, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return billsync.EventObject{}, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	if session.ID == "" {
		return billsync.EventObject{}, fmt.Errorf("checkout session id missing")
	}

	obj := billsync.EventObject{
		SessionID:     session.ID,
		CustomerEmail: session.CustomerEmail,
		PlanID:        session.Metadata["plan_id"],
		Status:        string(session.Status),
	}
	if session.Subscription != nil {
		obj.SubscriptionID = session.Subscription.ID
	}
	if session.Customer != nil && session.Customer.ID != "" {
		obj.CustomerID = session.Customer.ID
		obj.CustomerEmail = ""
	}
	return obj, nil
}

func (v *Verifier) planForPrice(priceID string) (string, bool) {
	if v.catalog == nil || priceID == "" {
		return "", false
	}
	p, ok := v.catalog.PlanForPrice(priceID)
	return p.PlanID, ok
}

// expandableID reads a Stripe expandable field, which is either an id string or an object
func expandableID(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		id, _ := t["id"].(string)
		return id
	}
	return ""
}

func firstListItem(m map[string]interface{}, key string) map[string]interface{} {
	list, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	data, ok := list["data"].([]interface{})
	if !ok || len(data) == 0 {
		return nil
	}
	item, _ := data[0].(map[string]interface{})
	return item
}

func unixField(m map[string]interface{}, key string) *time.Time {
	f, ok := m[key].(float64)
	if !ok || f <= 0 {
		return nil
	}
	t := time.Unix(int64(f), 0).UTC()
	return &t
}
