package billsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listStorage struct {
	Storage
	records map[string][]*SubscriptionRecord
	err     error
}

func (s *listStorage) ListSubscriptionsByCustomer(_ context.Context, key string) ([]*SubscriptionRecord, error) {
	return s.records[key], s.err
}

func TestCheckAccess(t *testing.T) {
	customer := CustomerRef{ExistingID: "cus_1"}
	rec := func(id string, status SubscriptionStatus, plan string) *SubscriptionRecord {
		return &SubscriptionRecord{SubscriptionID: id, Status: status, PlanID: plan, Customer: customer}
	}

	tests := []struct {
		name       string
		records    []*SubscriptionRecord
		policy     AccessPolicy
		wantID     string
		wantStatus SubscriptionStatus
	}{
		{name: "no subscriptions"},
		{name: "active", records: []*SubscriptionRecord{rec("sub_1", StatusActive, "pro")}, wantID: "sub_1"},
		{
			name:       "past due denied by default",
			records:    []*SubscriptionRecord{rec("sub_1", StatusPastDue, "pro")},
			wantStatus: StatusPastDue,
		},
		{
			name:    "past due grace",
			records: []*SubscriptionRecord{rec("sub_1", StatusPastDue, "pro")},
			policy:  AccessPolicy{AllowPastDue: true},
			wantID:  "sub_1",
		},
		{
			name: "active preferred over past due",
			records: []*SubscriptionRecord{
				rec("sub_1", StatusPastDue, "pro"),
				rec("sub_2", StatusActive, "pro"),
			},
			policy: AccessPolicy{AllowPastDue: true},
			wantID: "sub_2",
		},
		{
			name: "canceled and incomplete",
			records: []*SubscriptionRecord{
				rec("sub_1", StatusCanceled, "pro"),
				rec("sub_2", StatusIncomplete, "pro"),
			},
			wantStatus: StatusIncomplete,
		},
		{
			name:       "plan filter",
			records:    []*SubscriptionRecord{rec("sub_1", StatusActive, "basic")},
			policy:     AccessPolicy{Plans: []string{"pro", "team"}},
			wantStatus: StatusActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := &listStorage{records: map[string][]*SubscriptionRecord{"id:cus_1": tt.records}}

			got, err := CheckAccess(context.Background(), storage, customer, tt.policy)
			if tt.wantID != "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, got.SubscriptionID)
				return
			}

			require.ErrorIs(t, err, ErrSubscriptionRequired)
			var denied *AccessDeniedError
			require.True(t, errors.As(err, &denied))
			assert.Equal(t, tt.wantStatus, denied.Status)
		})
	}
}

func TestCheckAccess_Errors(t *testing.T) {
	_, err := CheckAccess(context.Background(), &listStorage{}, CustomerRef{}, AccessPolicy{})
	assert.ErrorIs(t, err, ErrInvalidCustomerRef)

	boom := errors.New("storage down")
	_, err = CheckAccess(context.Background(), &listStorage{err: boom}, CustomerRef{Email: "a@b.c"}, AccessPolicy{})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrSubscriptionRequired)
}
