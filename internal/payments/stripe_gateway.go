package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger is the logging contract for gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
	Logger     StripeLogger
	Clock      func() time.Time
	Sessions   stripeSessionAPI
}

// StripeGateway implements Gateway using Stripe Checkout.
type StripeGateway struct {
	sessions   stripeSessionAPI
	successURL string
	cancelURL  string
	clock      func() time.Time
	logger     StripeLogger
}

// NewStripeGateway constructs a Stripe-backed payment gateway.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}

	sessions := cfg.Sessions
	if sessions == nil {
		sc := client.New(apiKey, nil)
		sessions = sc.CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		sessions:   sessions,
		successURL: strings.TrimSpace(cfg.SuccessURL),
		cancelURL:  strings.TrimSpace(cfg.CancelURL),
		clock:      func() time.Time { return clock().UTC() },
		logger:     logger,
	}, nil
}

// OpenPaymentOrder creates a Stripe Checkout session for the order.
func (g *StripeGateway) OpenPaymentOrder(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if g == nil || g.sessions == nil {
		return CheckoutSession{}, errors.New("stripe: gateway not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return CheckoutSession{}, errors.New("stripe: order id is required")
	}
	if req.Amount <= 0 {
		return CheckoutSession{}, errors.New("stripe: amount must be positive")
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "brl"
	}

	successURL := firstNonEmpty(req.SuccessURL, g.successURL)
	cancelURL := firstNonEmpty(req.CancelURL, g.cancelURL)

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	params.AddMetadata("orderId", orderID)

	if len(req.Items) > 0 {
		for _, item := range req.Items {
			quantity := item.Quantity
			if quantity <= 0 {
				quantity = 1
			}
			itemCurrency := strings.ToLower(strings.TrimSpace(item.Currency))
			if itemCurrency == "" {
				itemCurrency = currency
			}
			params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
				Quantity: stripe.Int64(quantity),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(itemCurrency),
					UnitAmount: stripe.Int64(item.UnitPrice),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(item.Name),
					},
				},
			})
		}
	} else {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("Order %s", orderID)),
				},
			},
		})
	}

	session, err := g.sessions.New(params)
	if err != nil {
		g.logger(ctx, "payments.checkout.create.failed", map[string]any{
			"order": orderID,
			"error": err.Error(),
		})
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	result := CheckoutSession{
		ID:          session.ID,
		Provider:    "stripe",
		RedirectURL: session.URL,
	}
	if session.ExpiresAt > 0 {
		result.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	g.logger(ctx, "payments.checkout.created", map[string]any{
		"order":   orderID,
		"session": session.ID,
	})
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
