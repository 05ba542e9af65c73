package billing

import (
	"time"

	"github.com/notewise/entitlement/pkg/ledger"
)

// Event is the tagged union of payment-lifecycle events the reconciler
// understands. Providers translate their raw webhook payloads into one of
// the concrete variants below; anything else becomes Unknown and is ignored.
type Event interface {
	// EventType returns a provider-neutral event kind for logging and metrics.
	EventType() string
}

// PaymentSucceeded reports a successful subscription charge, either the
// initial purchase or a renewal.
type PaymentSucceeded struct {
	Provider ledger.PaymentProvider

	CustomerID     string
	SubscriptionID string
	MembershipID   string

	// Email is the purchaser email when the provider surfaced one outside
	// of metadata (e.g. the checkout session's customer email).
	Email string

	// PlanDuration is the cadence when the provider could resolve it from
	// its plan/price identifiers; empty otherwise (metadata may still
	// carry it).
	PlanDuration ledger.PlanDuration

	// PeriodStart/PeriodEnd are provider-supplied renewal timestamps,
	// nil when the event did not carry them.
	PeriodStart *time.Time
	PeriodEnd   *time.Time

	Metadata Metadata

	OccurredAt time.Time
}

func (*PaymentSucceeded) EventType() string { return "payment.succeeded" }

// PaymentFailed reports a failed renewal charge.
type PaymentFailed struct {
	Provider ledger.PaymentProvider

	CustomerID string

	Metadata Metadata

	OccurredAt time.Time
}

func (*PaymentFailed) EventType() string { return "payment.failed" }

// MembershipInvalidated reports a cancellation. "Went valid" transitions are
// handled exclusively by PaymentSucceeded and have no variant here.
type MembershipInvalidated struct {
	Provider ledger.PaymentProvider

	CustomerID   string
	MembershipID string

	Metadata Metadata

	OccurredAt time.Time
}

func (*MembershipInvalidated) EventType() string { return "membership.invalidated" }

// Unknown is the explicit fallback variant for unrecognized payload shapes.
type Unknown struct {
	Provider ledger.PaymentProvider
	Type     string
}

func (u *Unknown) EventType() string { return u.Type }
