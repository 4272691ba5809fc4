package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ServiceFox/app/models"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
	"gorm.io/gorm"
)

// errNoLinkedAccount marks events referencing a customer the local store has
// no record of. There is no safe recovery beyond recording the anomaly, so
// such events end up failed-but-acknowledged.
var errNoLinkedAccount = errors.New("no local account for payment customer")

// Service drives subscription/quota reconciliation: webhook event processing,
// lead claims, and account-holder subscription operations.
type Service struct {
	repo     Repository
	payments PaymentClient
}

// NewService creates a billing service from injected dependencies.
func NewService(repo Repository, payments PaymentClient) *Service {
	return &Service{repo: repo, payments: payments}
}

// NewServiceFromDB creates a billing service from a GORM DB handle and the
// env-configured payment client.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), NewStripeClientFromEnv())
}

// ProcessEvent runs one inbound webhook payload through the ledger and the
// matching state transition. The caller has already verified the signature.
// The returned error means "record the anomaly"; receipt should still be
// acknowledged upstream so the platform does not redeliver forever.
func (s *Service) ProcessEvent(ctx context.Context, payload []byte) (*EventOutcome, error) {
	ev, err := ParseEvent(payload)
	if err != nil {
		return nil, err
	}

	record := &models.WebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: ev.ID,
		EventType:       string(ev.Type),
		PayloadJSON:     ev.RawJSON,
		CustomerRef:     ev.CustomerRef,
		SubscriptionRef: ev.SubscriptionRef,
		InvoiceRef:      ev.InvoiceRef,
	}
	isNew, stored, err := s.repo.RecordEvent(record)
	if err != nil {
		return nil, err
	}
	outcome := &EventOutcome{EventID: stored.ID}
	if !isNew {
		outcome.Duplicate = true
		return outcome, nil
	}
	if !ev.Known() {
		outcome.Ignored = true
		_ = s.repo.MarkEventProcessed(stored.ID)
		return outcome, nil
	}

	if applyErr := s.applyEvent(ctx, ev); applyErr != nil {
		_ = s.repo.MarkEventFailed(stored.ID, applyErr.Error())
		if errors.Is(applyErr, errNoLinkedAccount) {
			outcome.Ignored = true
			return outcome, nil
		}
		return outcome, applyErr
	}
	_ = s.repo.MarkEventProcessed(stored.ID)
	return outcome, nil
}

// applyEvent dispatches a known event type to its transition. Every branch is
// idempotent: the ledger may legitimately re-deliver an event that was stuck
// in processing.
func (s *Service) applyEvent(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		return s.applyCheckout(ctx, ev)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return s.applySubscriptionEvent(ctx, ev)
	case EventSubscriptionDeleted:
		return s.applySubscriptionDeletedEvent(ctx, ev)
	case EventInvoicePaymentSucceeded:
		return s.applyInvoicePaid(ctx, ev)
	case EventInvoicePaymentFailed:
		return s.applyInvoiceFailed(ctx, ev)
	default:
		return fmt.Errorf("unhandled event type %q", ev.Type)
	}
}

func (s *Service) accountForEvent(ev *Event) (*models.Account, error) {
	if ev.CustomerRef == "" {
		return nil, fmt.Errorf("%w: event carries no customer ref", errNoLinkedAccount)
	}
	a, err := s.repo.GetAccountByCustomerRef(ev.CustomerRef)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", errNoLinkedAccount, ev.CustomerRef)
	}
	return a, err
}

func (s *Service) applyCheckout(ctx context.Context, ev *Event) error {
	_ = ctx
	a, err := s.accountForEvent(ev)
	if err != nil {
		return err
	}
	next := applyCheckoutCompleted(*a, ev)
	if err := s.repo.SaveAccount(&next); err != nil {
		return err
	}
	if ev.SubscriptionRef == "" {
		return nil
	}
	return s.repo.UpsertSubscription(subscriptionFromEvent(
		a.ID, ev, models.SubscriptionStatusActive, entitlements.ParseTier(next.Tier),
	))
}

func (s *Service) applySubscriptionEvent(ctx context.Context, ev *Event) error {
	_ = ctx
	a, err := s.accountForEvent(ev)
	if err != nil {
		return err
	}
	next := applySubscriptionUpdate(*a, ev)
	if err := s.repo.SaveAccount(&next); err != nil {
		return err
	}
	if ev.SubscriptionRef == "" {
		return nil
	}
	// Missing tier metadata mirrors the account's (preserved) tier instead of
	// inventing one.
	tier := ev.Tier
	if !ev.HasTier {
		tier = entitlements.ParseTier(next.Tier)
	}
	return s.repo.UpsertSubscription(subscriptionFromEvent(
		a.ID, ev, normalizeSubscriptionStatus(ev.Status), tier,
	))
}

func (s *Service) applySubscriptionDeletedEvent(ctx context.Context, ev *Event) error {
	_ = ctx
	a, err := s.accountForEvent(ev)
	if err != nil {
		return err
	}
	next := applySubscriptionDeleted(*a)
	if err := s.repo.SaveAccount(&next); err != nil {
		return err
	}
	if ev.SubscriptionRef == "" {
		return nil
	}
	return s.repo.UpsertSubscription(subscriptionFromEvent(
		a.ID, ev, models.SubscriptionStatusCanceled, entitlements.TierFree,
	))
}

func (s *Service) applyInvoicePaid(ctx context.Context, ev *Event) error {
	_ = ctx
	a, err := s.accountForEvent(ev)
	if err != nil {
		return err
	}
	next := applyPaymentSucceeded(*a)
	if ev.PaymentMethodRef != "" {
		next.PaymentMethodRef = ev.PaymentMethodRef
	}
	if err := s.repo.SaveAccount(&next); err != nil {
		return err
	}
	if ev.InvoiceRef != "" {
		if err := s.repo.CreatePayment(&models.Payment{
			AccountID:   a.ID,
			Provider:    models.BillingProviderStripe,
			ChargeRef:   ev.InvoiceRef,
			ProviderRef: ev.InvoiceRef,
			AmountCents: ev.InvoiceAmount,
			Currency:    "eur",
			Status:      models.PaymentStatusSucceeded,
			Tier:        next.Tier,
			Description: "subscription invoice",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyInvoiceFailed(ctx context.Context, ev *Event) error {
	_ = ctx
	a, err := s.accountForEvent(ev)
	if err != nil {
		return err
	}

	now := time.Now()
	current := *a
	// A webhook observing an already-expired grace deadline performs the
	// downgrade before counting the new failure.
	if graceExpired(&current, now) {
		current = applyDowngrade(current)
	}

	var periodEnd *time.Time = ev.CurrentPeriodEnd
	if periodEnd == nil && a.StripeSubscriptionID != "" {
		if sub, err := s.repo.GetSubscriptionByProviderID(models.BillingProviderStripe, a.StripeSubscriptionID); err == nil {
			periodEnd = sub.CurrentPeriodEnd
		}
	}

	next := applyPaymentFailed(current, now, periodEnd)
	if err := s.repo.SaveAccount(&next); err != nil {
		return err
	}
	if ev.InvoiceRef != "" {
		if err := s.repo.CreatePayment(&models.Payment{
			AccountID:   a.ID,
			Provider:    models.BillingProviderStripe,
			ChargeRef:   ev.InvoiceRef,
			ProviderRef: ev.InvoiceRef,
			AmountCents: ev.InvoiceAmount,
			Currency:    "eur",
			Status:      models.PaymentStatusFailed,
			Tier:        next.Tier,
			Description: "subscription invoice",
		}); err != nil {
			return err
		}
	}
	return nil
}

// RecentEvents returns the newest ledger entries for inspection.
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	_ = ctx
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListRecentEvents(limit)
}

// QuotaStatus projects the account's current claim quota and fee situation.
// Read-only: an elapsed cycle reads as zero used credits without writing the
// rollover.
func (s *Service) QuotaStatus(ctx context.Context, accountID uint) (*QuotaStatus, error) {
	_ = ctx
	a, err := s.repo.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tier := a.EffectiveTier(now)
	used := cycleCreditsUsed(a, now)
	limit := entitlements.CreditLimit(tier)
	return &QuotaStatus{
		Tier:             tier,
		CreditsUsed:      used,
		CreditLimit:      limit,
		NeedsPayment:     limit >= 0 && used >= limit,
		FeeCents:         entitlements.ClaimFeeCents(tier),
		HasPaymentMethod: a.HasPaymentMethod(),
	}, nil
}

// ChangeTier applies an account-holder-initiated tier change through the same
// resolver the webhooks use, and keeps the local subscription mirror
// consistent so a later webhook for the same subscription does not conflict.
func (s *Service) ChangeTier(ctx context.Context, accountID uint, tier entitlements.Tier) error {
	a, err := s.repo.GetAccount(accountID)
	if err != nil {
		return err
	}

	if tier == entitlements.TierFree {
		if a.StripeSubscriptionID != "" {
			if err := s.payments.CancelSubscription(ctx, a.StripeSubscriptionID); err != nil {
				return err
			}
		}
		subRef := a.StripeSubscriptionID
		next := applySubscriptionDeleted(*a)
		if err := s.repo.SaveAccount(&next); err != nil {
			return err
		}
		if subRef == "" {
			return nil
		}
		return s.repo.UpsertSubscription(subscriptionFromEvent(
			a.ID,
			&Event{SubscriptionRef: subRef},
			models.SubscriptionStatusCanceled,
			entitlements.TierFree,
		))
	}

	if a.StripeSubscriptionID == "" {
		return errors.New("no active subscription to change; checkout required")
	}
	if err := s.payments.UpdateSubscriptionTier(ctx, a.StripeSubscriptionID, tier); err != nil {
		return err
	}
	ev := &Event{
		SubscriptionRef:  a.StripeSubscriptionID,
		Tier:             tier,
		HasTier:          true,
		Status:           models.SubscriptionStatusActive,
		CurrentPeriodEnd: a.TierExpiresAt,
	}
	next := applySubscriptionUpdate(*a, ev)
	if err := s.repo.SaveAccount(&next); err != nil {
		return err
	}
	return s.repo.UpsertSubscription(subscriptionFromEvent(
		a.ID, ev, models.SubscriptionStatusActive, tier,
	))
}

// CancelAtPeriodEnd schedules cancellation with the platform and mirrors the
// cancel_at timestamp locally. The tier stays until the period ends.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, accountID uint) (*time.Time, error) {
	a, err := s.repo.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if a.StripeSubscriptionID == "" {
		return nil, errors.New("no active subscription to cancel")
	}
	cancelAt, err := s.payments.CancelAtPeriodEnd(ctx, a.StripeSubscriptionID)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.GetSubscriptionByProviderID(models.BillingProviderStripe, a.StripeSubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return cancelAt, nil
		}
		return nil, err
	}
	sub.CancelAt = cancelAt
	return cancelAt, s.repo.UpsertSubscription(sub)
}

// Reactivate clears a scheduled cancellation remotely and locally.
func (s *Service) Reactivate(ctx context.Context, accountID uint) error {
	a, err := s.repo.GetAccount(accountID)
	if err != nil {
		return err
	}
	if a.StripeSubscriptionID == "" {
		return errors.New("no subscription to reactivate")
	}
	if err := s.payments.ReactivateSubscription(ctx, a.StripeSubscriptionID); err != nil {
		return err
	}
	sub, err := s.repo.GetSubscriptionByProviderID(models.BillingProviderStripe, a.StripeSubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	sub.CancelAt = nil
	return s.repo.UpsertSubscription(sub)
}
