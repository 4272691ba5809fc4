package billing

import (
	"time"

	"github.com/ManuelReschke/ServiceFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// processingStaleAfter is how long a webhook event may sit in `processing`
// before a redelivery is allowed to reclaim it. Within the window a second
// concurrent delivery of the same id is treated as a duplicate.
const processingStaleAfter = 5 * time.Minute

// Repository provides the DB operations used by the billing service. All
// cross-request invariants (event idempotency, atomic quota) live here as
// single atomic statements against the store; application-level
// read-then-write is not an option for any of them.
type Repository interface {
	GetAccount(id uint) (*models.Account, error)
	GetAccountByCustomerRef(customerRef string) (*models.Account, error)
	SaveAccount(a *models.Account) error

	RecordEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkEventProcessed(id uint) error
	MarkEventFailed(id uint, reason string) error

	RolloverCreditCycle(accountID uint, now time.Time, cycle time.Duration) error
	ConsumeCredit(accountID uint, limit int) (bool, error)
	ReleaseCredit(accountID uint) error

	GetLeadClaim(accountID, leadID uint) (*models.LeadClaim, error)
	CreateLeadClaim(claim *models.LeadClaim) (bool, error)

	CreatePayment(p *models.Payment) error
	UpdatePaymentStatus(chargeRef, status string) error
	MarkPaymentOutcome(chargeRef, status, providerRef string) error

	UpsertSubscription(sub *models.Subscription) error
	GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error)

	ListGraceExpiredAccounts(now time.Time, limit int) ([]models.Account, error)
	ListRecentEvents(limit int) ([]models.WebhookEvent, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetAccount(id uint) (*models.Account, error) {
	var a models.Account
	if err := r.db.First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) GetAccountByCustomerRef(customerRef string) (*models.Account, error) {
	var a models.Account
	err := r.db.Where("stripe_customer_id = ?", customerRef).First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) SaveAccount(a *models.Account) error {
	return r.db.Save(a).Error
}

// RecordEvent is the check-and-insert primitive of the event ledger. The
// insert-or-nothing is a single statement, so two concurrent deliveries of
// the same event id can never both be classified as new. A row stuck in
// `processing` beyond the stale window is reclaimed via a conditional update
// so a crashed handler cannot wedge an event forever; the reclaim is equally
// atomic, only one redelivery wins it.
func (r *gormRepository) RecordEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	event.Status = models.WebhookStatusProcessing
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	if tx.RowsAffected > 0 {
		return true, &stored, nil
	}
	if stored.IsTerminal() {
		return false, &stored, nil
	}

	now := time.Now()
	res := r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ? AND updated_at < ?", stored.ID, models.WebhookStatusProcessing, now.Add(-processingStaleAfter)).
		Update("updated_at", now)
	if res.Error != nil {
		return false, nil, res.Error
	}
	return res.RowsAffected > 0, &stored, nil
}

// MarkEventProcessed transitions an event to its terminal processed status.
// Calling it on an already-terminal row is a no-op.
func (r *gormRepository) MarkEventProcessed(id uint) error {
	now := time.Now()
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status NOT IN ?", id, []string{models.WebhookStatusProcessed, models.WebhookStatusFailed}).
		Updates(map[string]interface{}{
			"status":       models.WebhookStatusProcessed,
			"processed_at": &now,
		}).Error
}

// MarkEventFailed transitions an event to its terminal failed status with a
// reason for later inspection. No-op on already-terminal rows.
func (r *gormRepository) MarkEventFailed(id uint, reason string) error {
	now := time.Now()
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status NOT IN ?", id, []string{models.WebhookStatusProcessed, models.WebhookStatusFailed}).
		Updates(map[string]interface{}{
			"status":           models.WebhookStatusFailed,
			"processed_at":     &now,
			"processing_error": reason,
		}).Error
}

// RolloverCreditCycle resets the credit counter when the billing cycle has
// elapsed. The cutoff sits in the WHERE clause, so concurrent claims agree on
// exactly one reset per cycle.
func (r *gormRepository) RolloverCreditCycle(accountID uint, now time.Time, cycle time.Duration) error {
	return r.db.Model(&models.Account{}).
		Where("id = ? AND credits_reset_at <= ?", accountID, now.Add(-cycle)).
		Updates(map[string]interface{}{
			"credits_used":     0,
			"credits_reset_at": now,
		}).Error
}

// ConsumeCredit is the atomic check-and-increment behind the credit meter.
// The quota check lives in the WHERE clause of a single UPDATE: two
// concurrent claims at limit-1 can never both succeed. An unlimited limit
// always matches but still increments for reporting.
func (r *gormRepository) ConsumeCredit(accountID uint, limit int) (bool, error) {
	res := r.db.Exec(
		"UPDATE accounts SET credits_used = credits_used + 1, updated_at = ? WHERE id = ? AND (? < 0 OR credits_used < ?)",
		time.Now(), accountID, limit, limit,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseCredit undoes one consumption. Compensation path only: a claim that
// consumed a credit and then lost the lead-claim insert race gives it back.
func (r *gormRepository) ReleaseCredit(accountID uint) error {
	return r.db.Exec(
		"UPDATE accounts SET credits_used = credits_used - 1, updated_at = ? WHERE id = ? AND credits_used > 0",
		time.Now(), accountID,
	).Error
}

func (r *gormRepository) GetLeadClaim(accountID, leadID uint) (*models.LeadClaim, error) {
	var claim models.LeadClaim
	err := r.db.Where("account_id = ? AND lead_id = ?", accountID, leadID).First(&claim).Error
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// CreateLeadClaim inserts a claim if none exists for the (account, lead)
// pair. The unique index plus OnConflict DoNothing makes the insert the
// idempotency point on the lead dimension.
func (r *gormRepository) CreateLeadClaim(claim *models.LeadClaim) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "account_id"},
			{Name: "lead_id"},
		},
		DoNothing: true,
	}).Create(claim)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// CreatePayment inserts a payment row once per charge ref. DoNothing on
// conflict keeps event redelivery from duplicating invoice payment records.
func (r *gormRepository) CreatePayment(p *models.Payment) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "charge_ref"}},
		DoNothing: true,
	}).Create(p).Error
}

func (r *gormRepository) UpdatePaymentStatus(chargeRef, status string) error {
	return r.db.Model(&models.Payment{}).
		Where("charge_ref = ?", chargeRef).
		Update("status", status).Error
}

// MarkPaymentOutcome records the provider's answer for a pending charge.
func (r *gormRepository) MarkPaymentOutcome(chargeRef, status, providerRef string) error {
	return r.db.Model(&models.Payment{}).
		Where("charge_ref = ?", chargeRef).
		Updates(map[string]interface{}{
			"status":       status,
			"provider_ref": providerRef,
		}).Error
}

func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"account_id",
			"tier",
			"status",
			"monthly_price_cents",
			"current_period_end",
			"cancel_at",
			"raw_payload_json",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error
}

func (r *gormRepository) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListRecentEvents returns the newest ledger entries for admin inspection.
func (r *gormRepository) ListRecentEvents(limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.Order("created_at DESC").Limit(limit).Find(&events).Error
	return events, err
}

// ListGraceExpiredAccounts returns accounts whose grace deadline has passed
// and that still hold a paid tier. Used by the sweep, which performs the
// actual downgrade.
func (r *gormRepository) ListGraceExpiredAccounts(now time.Time, limit int) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.
		Where("failed_payment_count >= ? AND grace_period_end IS NOT NULL AND grace_period_end <= ? AND tier <> ?", graceFailureThreshold, now, "free").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
