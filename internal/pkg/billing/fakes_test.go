package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/ServiceFox/app/models"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
	"gorm.io/gorm"
)

// memoryRepo is an in-memory Repository with the same atomicity semantics as
// the SQL implementation: every method takes the repo lock, so conditional
// check-and-increment behaves like a single UPDATE statement.
type memoryRepo struct {
	mu       sync.Mutex
	nextID   uint
	accounts map[uint]models.Account
	events   map[string]models.WebhookEvent
	claims   map[string]models.LeadClaim
	payments map[string]models.Payment
	subs     map[string]models.Subscription

	// Invoked inside CreateLeadClaim before the insert check, with the lock
	// released, so tests can interleave a competing writer.
	beforeCreateClaim func()
}

func newMemoryRepo(accounts ...models.Account) *memoryRepo {
	r := &memoryRepo{
		accounts: make(map[uint]models.Account),
		events:   make(map[string]models.WebhookEvent),
		claims:   make(map[string]models.LeadClaim),
		payments: make(map[string]models.Payment),
		subs:     make(map[string]models.Subscription),
	}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

func (r *memoryRepo) allocID() uint {
	r.nextID++
	return r.nextID
}

func eventKey(provider, eventID string) string      { return provider + "|" + eventID }
func claimKey(accountID, leadID uint) string        { return fmt.Sprintf("%d|%d", accountID, leadID) }
func subKey(provider, subscriptionID string) string { return provider + "|" + subscriptionID }

func (r *memoryRepo) GetAccount(id uint) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &a, nil
}

func (r *memoryRepo) GetAccountByCustomerRef(customerRef string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.StripeCustomerID == customerRef {
			a := a
			return &a, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryRepo) SaveAccount(a *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == 0 {
		a.ID = r.allocID()
	}
	r.accounts[a.ID] = *a
	return nil
}

func (r *memoryRepo) RecordEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := eventKey(event.Provider, event.ProviderEventID)
	if stored, ok := r.events[key]; ok {
		if stored.IsTerminal() {
			return false, &stored, nil
		}
		if time.Since(stored.UpdatedAt) >= processingStaleAfter {
			stored.UpdatedAt = time.Now()
			r.events[key] = stored
			return true, &stored, nil
		}
		return false, &stored, nil
	}
	event.ID = r.allocID()
	event.Status = models.WebhookStatusProcessing
	event.UpdatedAt = time.Now()
	r.events[key] = *event
	stored := *event
	return true, &stored, nil
}

func (r *memoryRepo) markEvent(id uint, status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ev := range r.events {
		if ev.ID == id && !ev.IsTerminal() {
			ev.Status = status
			ev.ProcessingError = reason
			now := time.Now()
			ev.ProcessedAt = &now
			r.events[key] = ev
		}
	}
	return nil
}

func (r *memoryRepo) MarkEventProcessed(id uint) error {
	return r.markEvent(id, models.WebhookStatusProcessed, "")
}

func (r *memoryRepo) MarkEventFailed(id uint, reason string) error {
	return r.markEvent(id, models.WebhookStatusFailed, reason)
}

func (r *memoryRepo) RolloverCreditCycle(accountID uint, now time.Time, cycle time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return nil
	}
	if !a.CreditsResetAt.After(now.Add(-cycle)) {
		a.CreditsUsed = 0
		a.CreditsResetAt = now
		r.accounts[accountID] = a
	}
	return nil
}

func (r *memoryRepo) ConsumeCredit(accountID uint, limit int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return false, nil
	}
	if limit >= 0 && a.CreditsUsed >= limit {
		return false, nil
	}
	a.CreditsUsed++
	r.accounts[accountID] = a
	return true, nil
}

func (r *memoryRepo) ReleaseCredit(accountID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if ok && a.CreditsUsed > 0 {
		a.CreditsUsed--
		r.accounts[accountID] = a
	}
	return nil
}

func (r *memoryRepo) GetLeadClaim(accountID, leadID uint) (*models.LeadClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claim, ok := r.claims[claimKey(accountID, leadID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &claim, nil
}

func (r *memoryRepo) CreateLeadClaim(claim *models.LeadClaim) (bool, error) {
	if r.beforeCreateClaim != nil {
		r.beforeCreateClaim()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := claimKey(claim.AccountID, claim.LeadID)
	if _, ok := r.claims[key]; ok {
		return false, nil
	}
	claim.ID = r.allocID()
	r.claims[key] = *claim
	return true, nil
}

func (r *memoryRepo) CreatePayment(p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ChargeRef]; ok {
		return nil
	}
	p.ID = r.allocID()
	r.payments[p.ChargeRef] = *p
	return nil
}

func (r *memoryRepo) UpdatePaymentStatus(chargeRef, status string) error {
	return r.MarkPaymentOutcome(chargeRef, status, "")
}

func (r *memoryRepo) MarkPaymentOutcome(chargeRef, status, providerRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[chargeRef]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.Status = status
	if providerRef != "" {
		p.ProviderRef = providerRef
	}
	r.payments[chargeRef] = p
	return nil
}

func (r *memoryRepo) UpsertSubscription(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subKey(sub.Provider, sub.ProviderSubscriptionID)
	if existing, ok := r.subs[key]; ok {
		sub.ID = existing.ID
	} else {
		sub.ID = r.allocID()
	}
	r.subs[key] = *sub
	return nil
}

func (r *memoryRepo) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subKey(provider, providerSubscriptionID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &sub, nil
}

func (r *memoryRepo) ListGraceExpiredAccounts(now time.Time, limit int) ([]models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Account
	for _, a := range r.accounts {
		if a.FailedPaymentCount >= graceFailureThreshold &&
			a.GracePeriodEnd != nil && !a.GracePeriodEnd.After(now) &&
			a.Tier != "free" {
			out = append(out, a)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) account(id uint) models.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id]
}

func (r *memoryRepo) event(provider, eventID string) models.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[eventKey(provider, eventID)]
}

func (r *memoryRepo) ListRecentEvents(limit int) ([]models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WebhookEvent
	for _, ev := range r.events {
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) payment(chargeRef string) models.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payments[chargeRef]
}

func (r *memoryRepo) paymentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payments)
}

// fakePayments is a scriptable PaymentClient.
type fakePayments struct {
	mu            sync.Mutex
	chargeErr     error
	decline       bool
	declineReason string
	charges       []ChargeInput
	refunds       []string
	canceledSubs  []string
	cancelAt      *time.Time
	reactivated   []string
	tierUpdates   map[string]entitlements.Tier
}

func (f *fakePayments) Charge(ctx context.Context, in ChargeInput) (*ChargeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	f.charges = append(f.charges, in)
	if f.decline {
		reason := f.declineReason
		if reason == "" {
			reason = "card_declined"
		}
		return &ChargeOutcome{ProviderRef: fmt.Sprintf("pi_declined_%d", len(f.charges)), DeclineReason: reason}, nil
	}
	return &ChargeOutcome{ProviderRef: fmt.Sprintf("pi_%d", len(f.charges)), Succeeded: true}, nil
}

func (f *fakePayments) Refund(ctx context.Context, providerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, providerRef)
	return nil
}

func (f *fakePayments) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceledSubs = append(f.canceledSubs, subscriptionRef)
	return nil
}

func (f *fakePayments) CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceledSubs = append(f.canceledSubs, subscriptionRef)
	if f.cancelAt == nil {
		t := time.Now().Add(14 * 24 * time.Hour)
		f.cancelAt = &t
	}
	return f.cancelAt, nil
}

func (f *fakePayments) ReactivateSubscription(ctx context.Context, subscriptionRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactivated = append(f.reactivated, subscriptionRef)
	return nil
}

func (f *fakePayments) UpdateSubscriptionTier(ctx context.Context, subscriptionRef string, tier entitlements.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tierUpdates == nil {
		f.tierUpdates = make(map[string]entitlements.Tier)
	}
	f.tierUpdates[subscriptionRef] = tier
	return nil
}

func newTestService(accounts ...models.Account) (*Service, *memoryRepo, *fakePayments) {
	repo := newMemoryRepo(accounts...)
	payments := &fakePayments{}
	return NewService(repo, payments), repo, payments
}
