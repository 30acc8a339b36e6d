// Package payments integrates the payment service provider: checkout session
// creation, webhook event verification, and translation of provider payment
// states into order lifecycle outcomes.
package payments

import (
	"strings"

	"github.com/quickbite/api/internal/domain"
)

// TranslateStatus maps a provider payment status onto the outcome the order
// lifecycle understands. Unknown and in-flight statuses translate to
// OutcomeNoChange so callers can acknowledge them without acting.
func TranslateStatus(status string) domain.PaymentOutcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "approved":
		return domain.OutcomeApproved
	case "failed", "cancelled", "canceled", "refunded":
		return domain.OutcomeRejected
	default:
		return domain.OutcomeNoChange
	}
}
