package billsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Verifier authenticates a raw webhook body and decodes it into a ProviderEvent.
// Implementations must check the signature over the exact bytes received
// before parsing anything, and must not keep state between calls.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*ProviderEvent, error)
}

// HMACSignaturePrefix prefixes the hex digest in the signature header
const HMACSignaturePrefix = "sha256="

// HMACVerifier verifies a "sha256=<hex>" HMAC-SHA256 signature of the raw body.
//
// The body is a JSON envelope:
//
//	{"id":"evt_1","type":"invoice.paid","created":1700000000,"sequence":7,
//	 "data":{"object":{"subscription_id":"sub_1","customer_id":"cus_1","status":"active"}}}
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier for the given shared secret.
// An empty secret yields ErrNotConfigured on every call.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// SignHMAC returns the header value for payload, for senders and tests
func SignHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return HMACSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

type hmacEnvelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Sequence int64  `json:"sequence"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type hmacObject struct {
	SubscriptionID   string `json:"subscription_id"`
	SessionID        string `json:"session_id"`
	CustomerID       string `json:"customer_id"`
	CustomerEmail    string `json:"customer_email"`
	PlanID           string `json:"plan_id"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// Verify implements Verifier
func (v *HMACVerifier) Verify(payload []byte, signatureHeader string) (*ProviderEvent, error) {
	if len(v.secret) == 0 {
		return nil, ErrNotConfigured
	}
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" {
		return nil, ErrMissingSignature
	}
	if !strings.HasPrefix(signatureHeader, HMACSignaturePrefix) {
		return nil, fmt.Errorf("%w: unsupported signature scheme", ErrSignatureMismatch)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, HMACSignaturePrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not hex", ErrSignatureMismatch)
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return nil, ErrSignatureMismatch
	}

	var env hmacEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrMalformedPayload)
	}

	var obj hmacObject
	if len(env.Data.Object) > 0 {
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}

	event := &ProviderEvent{
		ID:       env.ID,
		Type:     env.Type,
		Sequence: env.Sequence,
		Payload:  append([]byte(nil), env.Data.Object...),
		Object: EventObject{
			SubscriptionID: obj.SubscriptionID,
			SessionID:      obj.SessionID,
			CustomerID:     obj.CustomerID,
			CustomerEmail:  obj.CustomerEmail,
			PlanID:         obj.PlanID,
			Status:         obj.Status,
		},
	}
	if env.Created > 0 {
		event.OccurredAt = time.Unix(env.Created, 0).UTC()
	}
	if obj.CurrentPeriodEnd > 0 {
		t := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		event.Object.CurrentPeriodEnd = &t
	}

	return event, nil
}
