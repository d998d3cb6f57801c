package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mihaimyh/billsync/pkg/api/internal"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	requestIDHeader = "X-Request-ID"
	maxIDLen        = 255
	maxMetadataKeys = 20
)

type requestIDKey struct{}

var errInvalidRequest = errors.New("invalid request")

// Handler provides the billing HTTP endpoints
type Handler struct {
	config  Config
	limiter *internal.RateLimiter
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	h := &Handler{config: config}
	if config.WebhookRateLimit > 0 {
		h.limiter = internal.NewRateLimiter(config.WebhookRateLimit, config.RateLimitWindow)
	}
	return h, nil
}

// Routes returns a mux serving every billing endpoint
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	var webhook http.Handler = http.HandlerFunc(h.Webhook)
	if h.limiter != nil {
		webhook = h.limiter.Middleware(webhook)
	}

	mux.HandleFunc("POST /billing/checkout", h.CreateSession)
	mux.Handle("POST /billing/webhook", webhook)
	mux.HandleFunc("GET /billing/subscriptions", h.ListSubscriptions)
	mux.HandleFunc("GET /billing/subscriptions/{id}", h.GetSubscription)

	return withRequestID(mux)
}

// CreateSession starts a provider checkout for a plan and interval
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if h.config.Initiator == nil {
		h.handleError(w, r, billsync.ErrNotConfigured)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	var req CheckoutRequest
	if err := internal.DecodeJSON(body, &req); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	if len(req.Metadata) > maxMetadataKeys {
		h.handleError(w, r, fmt.Errorf("%w: at most %d metadata keys", errInvalidRequest, maxMetadataKeys))
		return
	}

	session, err := h.config.Initiator.CreateSession(r.Context(), billsync.SessionRequest{
		Customer: billsync.CustomerRef{ExistingID: req.Customer.ID, Email: req.Customer.Email},
		PlanID:   req.PlanID,
		Interval: billsync.Interval(strings.ToLower(strings.TrimSpace(req.Interval))),
		Metadata: req.Metadata,
		Nonce:    req.Nonce,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	_ = internal.WriteJSON(w, http.StatusCreated, CheckoutResponse{
		SessionID:      session.SessionID,
		RedirectURL:    session.RedirectURL,
		IdempotencyKey: session.IdempotencyKey,
		Status:         string(session.Status),
	})
}

// Webhook verifies and reconciles one provider webhook delivery.
// Non-2xx answers ask the provider to redeliver.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.config.Verifier == nil || h.config.Reconciler == nil {
		h.config.Metrics.RecordWebhookError("not_configured")
		h.handleError(w, r, billsync.ErrNotConfigured)
		return
	}

	// The signature covers the exact bytes; nothing may touch the body before Verify
	payload, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.config.Metrics.RecordWebhookError("payload_too_large")
		} else {
			h.config.Metrics.RecordWebhookError("read_error")
		}
		h.handleError(w, r, err)
		return
	}

	event, err := h.config.Verifier.Verify(payload, r.Header.Get(h.config.SignatureHeader))
	if err != nil {
		kind := verificationErrorKind(err)
		h.config.Metrics.RecordWebhookError(kind)
		h.config.Logger.Warn("webhook verification failed",
			billsync.Field{Key: "error_type", Value: kind},
			billsync.Field{Key: "client_ip", Value: internal.GetClientIP(r)},
			billsync.Field{Key: "request_id", Value: requestID(r)},
			billsync.Field{Key: "error", Value: err.Error()})
		h.handleError(w, r, err)
		return
	}

	res, err := h.config.Reconciler.Apply(r.Context(), event)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, WebhookResponse{
		Received: true,
		EventID:  event.ID,
		Outcome:  string(res.Outcome),
	})
}

// GetSubscription returns one subscription record with its event history
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" || len(id) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("%w: invalid subscription id", errInvalidRequest))
		return
	}

	rec, err := h.config.Storage.GetSubscription(ctx, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	history, err := h.config.Storage.History(ctx, id)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to load history: %w", err))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, newSubscriptionResponse(rec, history))
}

// ListSubscriptions returns the subscriptions of the customer named by the
// customer_id or email query parameter (exactly one)
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	customer := billsync.CustomerRef{ExistingID: q.Get("customer_id"), Email: q.Get("email")}
	key := customer.Key()
	if key == "" || len(key) > maxIDLen {
		h.handleError(w, r, billsync.ErrInvalidCustomerRef)
		return
	}

	records, err := h.config.Storage.ListSubscriptionsByCustomer(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := SubscriptionListResponse{
		CustomerKey:   key,
		Subscriptions: make([]SubscriptionResponse, 0, len(records)),
	}
	for _, rec := range records {
		resp.Subscriptions = append(resp.Subscriptions, newSubscriptionResponse(rec, nil))
	}
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}

// handleError handles errors using the configured error handler or default behavior
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status, code := StatusForError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("billing request failed",
			billsync.Field{Key: "method", Value: r.Method},
			billsync.Field{Key: "path", Value: r.URL.Path},
			billsync.Field{Key: "request_id", Value: requestID(r)},
			billsync.Field{Key: "status", Value: status},
			billsync.Field{Key: "error", Value: message})
		if status == http.StatusInternalServerError {
			// Internal details stay in the logs
			message = ""
		}
	}

	_ = internal.WriteJSON(w, status, ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: requestID(r),
	})
}

// StatusForError maps billing errors onto an HTTP status and error code
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidRequest), errors.Is(err, internal.ErrEmptyBody):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, billsync.ErrUnknownPlan):
		return http.StatusBadRequest, "unknown_plan"
	case errors.Is(err, billsync.ErrInvalidCustomerRef):
		return http.StatusBadRequest, "invalid_customer"
	case errors.Is(err, billsync.ErrMissingSignature):
		return http.StatusBadRequest, "missing_signature"
	case errors.Is(err, billsync.ErrSignatureMismatch):
		return http.StatusBadRequest, "signature_mismatch"
	case errors.Is(err, billsync.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed_payload"
	case errors.Is(err, internal.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, billsync.ErrNotConfigured):
		return http.StatusServiceUnavailable, "not_configured"
	case errors.Is(err, billsync.ErrProviderTimeout):
		return http.StatusGatewayTimeout, "provider_timeout"
	case errors.Is(err, billsync.ErrProviderUnavailable):
		return http.StatusBadGateway, "provider_unavailable"
	case errors.Is(err, billsync.ErrSubscriptionNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func verificationErrorKind(err error) string {
	switch {
	case errors.Is(err, billsync.ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, billsync.ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, billsync.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, billsync.ErrNotConfigured):
		return "not_configured"
	default:
		return "verification_error"
	}
}

// withRequestID propagates X-Request-ID, generating one when absent
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return id
	}
	return r.Header.Get(requestIDHeader)
}
