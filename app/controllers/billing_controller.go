package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/ServiceFox/internal/pkg/billing"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/database"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/env"
	metrics "github.com/ManuelReschke/ServiceFox/internal/pkg/metrics/counter"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

var claimValidator = validator.New()

// HandleStripeWebhook receives payment-platform events. The signature is
// verified before the event ledger is consulted; an invalid signature leaves
// no trace in the ledger. Everything after a successful ledger insert is
// acknowledged with 200 so the platform never redelivers forever, even when
// processing recorded a failure.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	if !billing.VerifyStripeWebhookSignature(rawBody, signature, secret) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outcome, err := svc.ProcessEvent(ctx, rawBody)
	if err != nil {
		if outcome == nil {
			// Ledger never saw the event (bad payload or store failure).
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		// Recorded as failed in the ledger; acknowledge to stop redelivery.
		log.Errorf("webhook event %d processing failed: %v", outcome.EventID, err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "recorded": "failed"})
	}
	if outcome.Duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	if outcome.Ignored {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

type claimRequest struct {
	AccountID uint `json:"account_id" validate:"required,gt=0"`
	LeadID    uint `json:"lead_id" validate:"required,gt=0"`
}

// HandleClaimLead runs the quota-or-charge claim flow for a lead.
func HandleClaimLead(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	if err := claimValidator.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "account_id and lead_id are required"})
	}

	if err := metrics.AddClaimAttempt(); err != nil {
		log.Warnf("claim attempt counter: %v", err)
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := svc.Claim(ctx, req.AccountID, req.LeadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_account"})
		}
		if errors.Is(err, billing.ErrPaymentPlatformUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "payment_unavailable", "message": "Payment platform is unavailable, please try again"})
		}
		log.Errorf("claim for account %d lead %d failed: %v", req.AccountID, req.LeadID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "Please try again"})
	}

	if !result.Success {
		// Retriable client error: quota exhausted without payment method, or
		// the charge was declined.
		return c.Status(fiber.StatusPaymentRequired).JSON(result)
	}

	if err := metrics.AddClaimGranted(); err != nil {
		log.Warnf("claim granted counter: %v", err)
	}
	if result.Charged && !result.AlreadyClaimed {
		if err := metrics.AddClaimCharged(); err != nil {
			log.Warnf("claim charged counter: %v", err)
		}
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleQuotaStatus returns the side-effect-free quota/fee projection.
func HandleQuotaStatus(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account_id"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	status, err := svc.QuotaStatus(c.Context(), accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_account"})
		}
		log.Errorf("quota status for account %d failed: %v", accountID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.Status(fiber.StatusOK).JSON(status)
}

type changeTierRequest struct {
	Tier string `json:"tier" validate:"required,oneof=free basic pro enterprise"`
}

// HandleChangeTier applies a voluntary tier change for the account holder.
func HandleChangeTier(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account_id"})
	}
	var req changeTierRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	if err := claimValidator.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tier"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := svc.ChangeTier(ctx, accountID, entitlements.ParseTier(req.Tier)); err != nil {
		return mapSubscriptionError(c, accountID, "tier change", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "tier": req.Tier})
}

// HandleCancelSubscription schedules cancellation for the end of the current
// billing period. The tier is unchanged until then.
func HandleCancelSubscription(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account_id"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cancelAt, err := svc.CancelAtPeriodEnd(ctx, accountID)
	if err != nil {
		return mapSubscriptionError(c, accountID, "cancel", err)
	}
	resp := fiber.Map{"ok": true}
	if cancelAt != nil {
		resp["cancel_at"] = cancelAt
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleReactivateSubscription clears a scheduled cancellation.
func HandleReactivateSubscription(c *fiber.Ctx) error {
	accountID, err := accountIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account_id"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := svc.Reactivate(ctx, accountID); err != nil {
		return mapSubscriptionError(c, accountID, "reactivate", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleListWebhookEvents lists the newest ledger entries for internal
// inspection (failed events, duplicates, processing errors).
func HandleListWebhookEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)

	svc := billing.NewServiceFromDB(database.GetDB())
	events, err := svc.RecentEvents(c.Context(), limit)
	if err != nil {
		log.Errorf("list webhook events failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": events})
}

func mapSubscriptionError(c *fiber.Ctx, accountID uint, op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_account"})
	}
	if errors.Is(err, billing.ErrPaymentPlatformUnavailable) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "payment_unavailable", "message": "Payment platform is unavailable, please try again"})
	}
	log.Errorf("subscription %s for account %d failed: %v", op, accountID, err)
	return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "subscription_operation_failed", "message": "Please try again"})
}

func accountIDParam(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid account id")
	}
	return uint(id), nil
}
