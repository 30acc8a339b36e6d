package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeEventVerifier implements EventVerifier using Stripe webhook signatures.
type StripeEventVerifier struct {
	secret    string
	tolerance time.Duration
}

// StripeVerifierOption customises the verifier.
type StripeVerifierOption func(*StripeEventVerifier)

// WithSignatureTolerance overrides the accepted webhook timestamp tolerance.
func WithSignatureTolerance(d time.Duration) StripeVerifierOption {
	return func(v *StripeEventVerifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// NewStripeEventVerifier constructs a verifier bound to the endpoint signing secret.
func NewStripeEventVerifier(secret string, opts ...StripeVerifierOption) (*StripeEventVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	v := &StripeEventVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// VerifyEvent authenticates the payload against the Stripe-Signature header and
// normalises the event. Verification failures wrap ErrInvalidSignature.
func (v *StripeEventVerifier) VerifyEvent(payload []byte, signatureHeader string) (Event, error) {
	stripeEvent, err := webhook.ConstructEventWithTolerance(payload, signatureHeader, v.secret, v.tolerance)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := Event{
		ID:         stripeEvent.ID,
		Type:       string(stripeEvent.Type),
		OccurredAt: time.Unix(stripeEvent.Created, 0).UTC(),
	}

	switch stripeEvent.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
			return Event{}, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		event.OrderID = session.Metadata["orderId"]
		event.PaymentID = session.ID
		event.Amount = session.AmountTotal
		if session.PaymentIntent != nil {
			event.AuthorizationCode = session.PaymentIntent.ID
		}
		if stripeEvent.Type == "checkout.session.expired" {
			event.Status = "cancelled"
		} else if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			event.Status = "paid"
		} else {
			event.Status = "pending"
		}

	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(stripeEvent.Data.Raw, &intent); err != nil {
			return Event{}, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		event.OrderID = intent.Metadata["orderId"]
		event.PaymentID = intent.ID
		event.Amount = intent.Amount
		if intent.LatestCharge != nil {
			event.AuthorizationCode = intent.LatestCharge.ID
		}
		switch stripeEvent.Type {
		case "payment_intent.succeeded":
			event.Status = "paid"
			event.Amount = intent.AmountReceived
		case "payment_intent.payment_failed":
			event.Status = "failed"
		default:
			event.Status = "cancelled"
		}

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(stripeEvent.Data.Raw, &charge); err != nil {
			return Event{}, fmt.Errorf("stripe: decode charge: %w", err)
		}
		event.OrderID = charge.Metadata["orderId"]
		event.PaymentID = charge.ID
		event.Amount = charge.AmountRefunded
		event.AuthorizationCode = charge.ID
		event.Status = "refunded"
	}

	return event, nil
}
