package billsync

import (
	"context"
	"errors"
	"fmt"
)

// ErrSubscriptionRequired is returned by CheckAccess when no subscription grants access
var ErrSubscriptionRequired = errors.New("active subscription required")

// AccessPolicy decides which subscription states grant access to paid features
type AccessPolicy struct {
	// AllowPastDue keeps access open while the provider retries a failed payment
	AllowPastDue bool

	// Plans restricts access to the listed plan ids. Empty means any plan.
	Plans []string
}

func (p AccessPolicy) grants(rec *SubscriptionRecord) bool {
	switch rec.Status {
	case StatusActive:
	case StatusPastDue:
		if !p.AllowPastDue {
			return false
		}
	default:
		return false
	}
	if len(p.Plans) == 0 {
		return true
	}
	for _, plan := range p.Plans {
		if plan == rec.PlanID {
			return true
		}
	}
	return false
}

// CheckAccess returns the customer's subscription that satisfies the policy.
// An active subscription is preferred over a past_due one.
// Returns ErrInvalidCustomerRef for an invalid customer and ErrSubscriptionRequired
// when nothing qualifies; the error then carries the best status found.
func CheckAccess(ctx context.Context, storage Storage, customer CustomerRef,
	policy AccessPolicy) (*SubscriptionRecord, error) {
	key := customer.Key()
	if key == "" {
		return nil, ErrInvalidCustomerRef
	}

	records, err := storage.ListSubscriptionsByCustomer(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	var best *SubscriptionRecord
	for _, rec := range records {
		if !policy.grants(rec) {
			continue
		}
		if best == nil || (best.Status != StatusActive && rec.Status == StatusActive) {
			best = rec
		}
	}
	if best != nil {
		return best, nil
	}

	return nil, &AccessDeniedError{Status: bestStatus(records)}
}

// AccessDeniedError reports the most advanced status among a customer's
// subscriptions when none grants access. Status is empty when there are none.
type AccessDeniedError struct {
	Status SubscriptionStatus
}

func (e *AccessDeniedError) Error() string {
	if e.Status == "" {
		return ErrSubscriptionRequired.Error()
	}
	return fmt.Sprintf("%s (status %s)", ErrSubscriptionRequired.Error(), e.Status)
}

// Unwrap makes errors.Is(err, ErrSubscriptionRequired) hold
func (e *AccessDeniedError) Unwrap() error {
	return ErrSubscriptionRequired
}

var statusRank = map[SubscriptionStatus]int{
	StatusCanceled:   1,
	StatusIncomplete: 2,
	StatusPastDue:    3,
	StatusActive:     4,
}

func bestStatus(records []*SubscriptionRecord) SubscriptionStatus {
	var best SubscriptionStatus
	for _, rec := range records {
		if statusRank[rec.Status] > statusRank[best] {
			best = rec.Status
		}
	}
	return best
}
