package billing

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
)

// EventType is the closed set of payment-platform event types this core
// models. Anything else is acknowledged and ignored so the platform never
// retries events we do not handle.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.session.completed"
	EventSubscriptionCreated     EventType = "customer.subscription.created"
	EventSubscriptionUpdated     EventType = "customer.subscription.updated"
	EventSubscriptionDeleted     EventType = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
)

// ParseEventType maps a raw event type string to the closed enum.
func ParseEventType(s string) (EventType, bool) {
	switch EventType(strings.TrimSpace(s)) {
	case EventCheckoutCompleted:
		return EventCheckoutCompleted, true
	case EventSubscriptionCreated:
		return EventSubscriptionCreated, true
	case EventSubscriptionUpdated:
		return EventSubscriptionUpdated, true
	case EventSubscriptionDeleted:
		return EventSubscriptionDeleted, true
	case EventInvoicePaymentSucceeded:
		return EventInvoicePaymentSucceeded, true
	case EventInvoicePaymentFailed:
		return EventInvoicePaymentFailed, true
	default:
		return "", false
	}
}

// Event is the normalized shape of an inbound webhook payload. Each handler
// treats these fields as the sole source of truth for its own target fields;
// no staleness detection is attempted (last applied wins).
type Event struct {
	ID               string
	Type             EventType
	CustomerRef      string
	SubscriptionRef  string
	InvoiceRef       string
	Tier             entitlements.Tier
	HasTier          bool
	Status           string
	CancelAt         *time.Time
	CurrentPeriodEnd *time.Time
	MonthlyPrice     int64
	InvoiceAmount    int64
	PaymentMethodRef string
	RawJSON          string
}

// stripeEnvelope matches the provider's {id, type, data.object} wire shape.
type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                   string `json:"id"`
			Customer             string `json:"customer"`
			Subscription         string `json:"subscription"`
			Status               string `json:"status"`
			CancelAt             *int64 `json:"cancel_at"`
			CurrentPeriodEnd     *int64 `json:"current_period_end"`
			DefaultPaymentMethod string `json:"default_payment_method"`
			Metadata             struct {
				Tier string `json:"tier"`
			} `json:"metadata"`
			Plan struct {
				Amount int64 `json:"amount"`
			} `json:"plan"`
			AmountPaid int64 `json:"amount_paid"`
			AmountDue  int64 `json:"amount_due"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a raw webhook payload into the normalized Event. The
// event id must be present; the type may be unknown (caller decides whether
// to ignore it).
func ParseEvent(payload []byte) (*Event, error) {
	var raw stripeEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("webhook payload missing event id")
	}

	obj := raw.Data.Object
	ev := &Event{
		ID:               strings.TrimSpace(raw.ID),
		CustomerRef:      strings.TrimSpace(obj.Customer),
		SubscriptionRef:  strings.TrimSpace(obj.Subscription),
		Status:           strings.ToLower(strings.TrimSpace(obj.Status)),
		MonthlyPrice:     obj.Plan.Amount,
		PaymentMethodRef: strings.TrimSpace(obj.DefaultPaymentMethod),
		RawJSON:          string(payload),
	}
	if t, ok := ParseEventType(raw.Type); ok {
		ev.Type = t
	} else {
		ev.Type = EventType(strings.TrimSpace(raw.Type))
	}

	// Subscription events carry the subscription itself as data.object.
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		ev.SubscriptionRef = strings.TrimSpace(obj.ID)
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		ev.InvoiceRef = strings.TrimSpace(obj.ID)
		ev.InvoiceAmount = obj.AmountPaid
		if ev.InvoiceAmount == 0 {
			ev.InvoiceAmount = obj.AmountDue
		}
	}

	if tier := strings.TrimSpace(obj.Metadata.Tier); tier != "" {
		ev.Tier = entitlements.ParseTier(tier)
		ev.HasTier = true
	}
	if obj.CancelAt != nil && *obj.CancelAt > 0 {
		t := time.Unix(*obj.CancelAt, 0).UTC()
		ev.CancelAt = &t
	}
	if obj.CurrentPeriodEnd != nil && *obj.CurrentPeriodEnd > 0 {
		t := time.Unix(*obj.CurrentPeriodEnd, 0).UTC()
		ev.CurrentPeriodEnd = &t
	}
	return ev, nil
}

// Known reports whether the event type belongs to the modeled enum.
func (e *Event) Known() bool {
	_, ok := ParseEventType(string(e.Type))
	return ok
}

// ClaimResult is the outcome of a lead claim attempt. Business rejections
// (quota exhausted without payment method, charge declined) are encoded here
// rather than as errors so callers can map them to retriable client
// responses.
type ClaimResult struct {
	Success            bool   `json:"success"`
	AlreadyClaimed     bool   `json:"already_claimed,omitempty"`
	Charged            bool   `json:"charged"`
	FeeCents           int64  `json:"fee_cents,omitempty"`
	CreditsUsed        int    `json:"credits_used"`
	CreditLimit        int    `json:"credit_limit"`
	NeedsPaymentMethod bool   `json:"needs_payment_method,omitempty"`
	Error              string `json:"error,omitempty"`
}

// QuotaStatus is the side-effect-free projection of an account's current
// claim quota and fee situation.
type QuotaStatus struct {
	Tier             entitlements.Tier `json:"tier"`
	CreditsUsed      int               `json:"credits_used"`
	CreditLimit      int               `json:"credit_limit"`
	NeedsPayment     bool              `json:"needs_payment"`
	FeeCents         int64             `json:"fee_cents"`
	HasPaymentMethod bool              `json:"has_payment_method"`
}

// EventOutcome describes what webhook processing did, for handler responses.
type EventOutcome struct {
	Duplicate bool
	Ignored   bool
	EventID   uint
}
