package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/env"
	"github.com/sony/gobreaker/v2"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

// ErrPaymentPlatformUnavailable marks transient remote failures (network,
// 5xx, open circuit breaker). Callers surface these as retriable.
var ErrPaymentPlatformUnavailable = errors.New("payment platform unavailable")

// ChargeInput describes one on-demand charge request.
type ChargeInput struct {
	CustomerRef      string
	PaymentMethodRef string
	AmountCents      int64
	Currency         string
	Description      string
	IdempotencyKey   string
	Metadata         map[string]string
}

// ChargeOutcome is the provider's answer to a charge request. A decline is a
// normal outcome, not an error: only transport/availability problems are
// reported through the error return.
type ChargeOutcome struct {
	ProviderRef   string
	Succeeded     bool
	DeclineReason string
}

// PaymentClient is the slice of the payment platform this core talks to.
// Kept as an interface so the charge gate and manual subscription operations
// are testable without the remote platform.
type PaymentClient interface {
	Charge(ctx context.Context, in ChargeInput) (*ChargeOutcome, error)
	Refund(ctx context.Context, providerRef string) error
	CancelSubscription(ctx context.Context, subscriptionRef string) error
	CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) (*time.Time, error)
	ReactivateSubscription(ctx context.Context, subscriptionRef string) error
	UpdateSubscriptionTier(ctx context.Context, subscriptionRef string, tier entitlements.Tier) error
}

// StripeClient talks to the Stripe HTTP API. Requests run behind a circuit
// breaker so a platform outage rejects claims fast instead of stacking up
// blocked request handlers.
type StripeClient struct {
	SecretKey  string
	APIBaseURL string

	HTTPClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

// NewStripeClientFromEnv builds a client from STRIPE_* environment values.
func NewStripeClientFromEnv() *StripeClient {
	return NewStripeClient(
		strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		strings.TrimSpace(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL)),
	)
}

func NewStripeClient(secretKey, apiBaseURL string) *StripeClient {
	if strings.TrimSpace(apiBaseURL) == "" {
		apiBaseURL = defaultStripeAPIBaseURL
	}
	return &StripeClient{
		SecretKey:  secretKey,
		APIBaseURL: strings.TrimRight(apiBaseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:    "stripe-api",
			Timeout: 30 * time.Second,
		}),
	}
}

type stripeAPIError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// doForm performs one form-encoded API call. Transport failures and 5xx
// responses come back as errors (and count against the breaker); 4xx bodies
// are returned to the caller, who interprets the embedded error object.
func (c *StripeClient) doForm(ctx context.Context, method, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	if strings.TrimSpace(c.SecretKey) == "" {
		return nil, errors.New("STRIPE_SECRET_KEY is not configured")
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if len(form) > 0 && method != http.MethodGet {
			reader = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.SecretKey)
		req.Header.Set("Accept", "application/json")
		if reader != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("stripe request failed: status=%d body=%s", resp.StatusCode, string(payload))
		}
		return payload, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentPlatformUnavailable, err)
	}
	return body, nil
}

// Charge confirms an off-session payment intent against the stored payment
// method. Declines surface in the outcome, not the error.
func (c *StripeClient) Charge(ctx context.Context, in ChargeInput) (*ChargeOutcome, error) {
	if strings.TrimSpace(in.CustomerRef) == "" || strings.TrimSpace(in.PaymentMethodRef) == "" {
		return nil, errors.New("customer and payment method refs are required")
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(in.AmountCents, 10))
	form.Set("currency", strings.ToLower(in.Currency))
	form.Set("customer", in.CustomerRef)
	form.Set("payment_method", in.PaymentMethodRef)
	form.Set("off_session", "true")
	form.Set("confirm", "true")
	if in.Description != "" {
		form.Set("description", in.Description)
	}
	for k, v := range in.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	body, err := c.doForm(ctx, http.MethodPost, "/payment_intents", form, in.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var apiErr stripeAPIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return &ChargeOutcome{Succeeded: false, DeclineReason: apiErr.Error.Message}, nil
	}

	var intent struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		LastPaymentError struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
	}
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, err
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, errors.New("stripe charge response missing payment intent id")
	}
	if intent.Status != "succeeded" {
		return &ChargeOutcome{
			ProviderRef:   intent.ID,
			Succeeded:     false,
			DeclineReason: strings.TrimSpace(intent.LastPaymentError.Message),
		}, nil
	}
	return &ChargeOutcome{ProviderRef: intent.ID, Succeeded: true}, nil
}

// Refund voids/refunds a previously succeeded payment intent.
func (c *StripeClient) Refund(ctx context.Context, providerRef string) error {
	if strings.TrimSpace(providerRef) == "" {
		return errors.New("provider charge ref is required")
	}
	form := url.Values{}
	form.Set("payment_intent", providerRef)
	body, err := c.doForm(ctx, http.MethodPost, "/refunds", form, "")
	if err != nil {
		return err
	}
	var apiErr stripeAPIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("stripe refund failed: %s", apiErr.Error.Message)
	}
	return nil
}

// CancelSubscription cancels immediately (voluntary switch to free).
func (c *StripeClient) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	if strings.TrimSpace(subscriptionRef) == "" {
		return errors.New("subscription ref is required")
	}
	_, err := c.doForm(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionRef), nil, "")
	return err
}

// CancelAtPeriodEnd schedules cancellation for the end of the current period
// and returns the platform's cancel_at timestamp.
func (c *StripeClient) CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) (*time.Time, error) {
	body, err := c.updateSubscription(ctx, subscriptionRef, url.Values{"cancel_at_period_end": {"true"}})
	if err != nil {
		return nil, err
	}
	var sub struct {
		CancelAt         *int64 `json:"cancel_at"`
		CurrentPeriodEnd *int64 `json:"current_period_end"`
	}
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, err
	}
	ts := sub.CancelAt
	if ts == nil {
		ts = sub.CurrentPeriodEnd
	}
	if ts == nil || *ts <= 0 {
		return nil, nil
	}
	t := time.Unix(*ts, 0).UTC()
	return &t, nil
}

// ReactivateSubscription clears a scheduled cancellation.
func (c *StripeClient) ReactivateSubscription(ctx context.Context, subscriptionRef string) error {
	_, err := c.updateSubscription(ctx, subscriptionRef, url.Values{"cancel_at_period_end": {"false"}})
	return err
}

// UpdateSubscriptionTier swaps the subscription onto the price configured for
// the target tier (STRIPE_PRICE_<TIER> env) and records the tier in metadata
// so webhooks can resolve it.
func (c *StripeClient) UpdateSubscriptionTier(ctx context.Context, subscriptionRef string, tier entitlements.Tier) error {
	form := url.Values{}
	form.Set("metadata[tier]", string(tier))
	if price := strings.TrimSpace(env.GetEnv("STRIPE_PRICE_"+strings.ToUpper(string(tier)), "")); price != "" {
		form.Set("items[0][price]", price)
	}
	_, err := c.updateSubscription(ctx, subscriptionRef, form)
	return err
}

func (c *StripeClient) updateSubscription(ctx context.Context, subscriptionRef string, form url.Values) ([]byte, error) {
	if strings.TrimSpace(subscriptionRef) == "" {
		return nil, errors.New("subscription ref is required")
	}
	body, err := c.doForm(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(subscriptionRef), form, "")
	if err != nil {
		return nil, err
	}
	var apiErr stripeAPIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return nil, fmt.Errorf("stripe subscription update failed: %s", apiErr.Error.Message)
	}
	return body, nil
}
