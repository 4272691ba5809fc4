package billing

import (
	"testing"
	"time"

	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventSubscriptionUpdated(t *testing.T) {
	payload := []byte(`{
		"id": "evt_sub_1",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_123",
			"customer": "cus_42",
			"status": "ACTIVE",
			"current_period_end": 1760000000,
			"cancel_at": 1760000000,
			"default_payment_method": "pm_9",
			"metadata": {"tier": "basic"},
			"plan": {"amount": 2900}
		}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "evt_sub_1", ev.ID)
	assert.Equal(t, EventSubscriptionUpdated, ev.Type)
	assert.True(t, ev.Known())
	assert.Equal(t, "cus_42", ev.CustomerRef)
	assert.Equal(t, "sub_123", ev.SubscriptionRef)
	assert.Equal(t, "active", ev.Status)
	assert.Equal(t, entitlements.TierBasic, ev.Tier)
	assert.True(t, ev.HasTier)
	assert.Equal(t, int64(2900), ev.MonthlyPrice)
	assert.Equal(t, "pm_9", ev.PaymentMethodRef)
	require.NotNil(t, ev.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1760000000, 0).UTC(), *ev.CurrentPeriodEnd)
	require.NotNil(t, ev.CancelAt)
}

func TestParseEventInvoiceFailed(t *testing.T) {
	payload := []byte(`{
		"id": "evt_inv_1",
		"type": "invoice.payment_failed",
		"data": {"object": {
			"id": "in_55",
			"customer": "cus_42",
			"subscription": "sub_123",
			"amount_due": 2900
		}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, EventInvoicePaymentFailed, ev.Type)
	assert.Equal(t, "in_55", ev.InvoiceRef)
	assert.Equal(t, "sub_123", ev.SubscriptionRef)
	assert.Equal(t, int64(2900), ev.InvoiceAmount)
	assert.False(t, ev.HasTier)
}

func TestParseEventUnknownTypeIsKeptButNotKnown(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_x","type":"charge.dispute.created","data":{"object":{}}}`))
	require.NoError(t, err)

	assert.Equal(t, EventType("charge.dispute.created"), ev.Type)
	assert.False(t, ev.Known())
}

func TestParseEventMissingID(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"invoice.payment_succeeded","data":{"object":{}}}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseEventType(t *testing.T) {
	for _, raw := range []string{
		"checkout.session.completed",
		"customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"invoice.payment_succeeded",
		"invoice.payment_failed",
	} {
		et, ok := ParseEventType(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, EventType(raw), et)
	}

	_, ok := ParseEventType("customer.updated")
	assert.False(t, ok)
}
