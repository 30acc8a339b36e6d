package payments

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("payments: invalid event signature")

// CheckoutLineItem describes one line in a checkout session.
type CheckoutLineItem struct {
	Name      string
	Quantity  int64
	UnitPrice int64
	Currency  string
}

// CheckoutSessionRequest captures the payload required to open a payment order.
type CheckoutSessionRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

// CheckoutSession is the provider session handed back to the client.
type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	ExpiresAt   time.Time
}

// Gateway opens payment orders with the payment service provider.
type Gateway interface {
	OpenPaymentOrder(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
}

// Event is a verified payment notification, normalised across event shapes.
// Status carries the provider's payment state and is interpreted by
// TranslateStatus.
type Event struct {
	ID                string
	Type              string
	OrderID           string
	PaymentID         string
	Status            string
	Amount            int64
	AuthorizationCode string
	OccurredAt        time.Time
}

// EventVerifier authenticates raw webhook payloads and extracts the event.
type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (Event, error)
}
