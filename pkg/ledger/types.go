package ledger

import "time"

// Tier is the membership tier attached to an account.
type Tier string

const (
	// TierFree is the default tier for every new account.
	TierFree Tier = "free"
	// TierPro is granted by a successful subscription payment.
	TierPro Tier = "pro"
)

// PaymentProvider identifies which billing backend owns the subscription.
type PaymentProvider string

const (
	// ProviderStripe is the Stripe billing backend.
	ProviderStripe PaymentProvider = "stripe"
	// ProviderWhop is the Whop billing backend.
	ProviderWhop PaymentProvider = "whop"
)

// PlanDuration is the billing cadence of the purchased plan.
type PlanDuration string

const (
	// DurationMonthly renews every 30 days.
	DurationMonthly PlanDuration = "monthly"
	// DurationYearly renews every year.
	DurationYearly PlanDuration = "yearly"
)

// Status is the lifecycle tag on an entitlement record.
type Status string

const (
	// StatusActive means the subscription (or free tier) is in good standing.
	StatusActive Status = "active"
	// StatusCanceled means the membership was invalidated; credits are kept
	// until the stored billing cycle end passes.
	StatusCanceled Status = "canceled"
	// StatusPaymentFailed means the last renewal charge failed. Tier and
	// credits are untouched until the provider cancels the membership.
	StatusPaymentFailed Status = "payment_failed"
)

// Record is the durable entitlement row for one authenticated account.
//
// Two independent clocks live here: BillingCycleStart/End track the payment
// provider's own subscription period (used only for access-grace decisions
// after cancellation), while NextCreditRenewal is a 28-day clock that resets
// UsedCredits regardless of billing cadence.
type Record struct {
	AccountID string
	Email     string

	Tier     Tier
	Provider PaymentProvider

	CustomerID     string
	SubscriptionID string
	MembershipID   string

	PlanDuration PlanDuration

	BillingCycleStart *time.Time
	BillingCycleEnd   *time.Time
	NextCreditRenewal *time.Time

	// UsageCredits is the total allowance for the current cycle, not a
	// cumulative counter. UsedCredits is what was consumed this cycle.
	UsageCredits int
	UsedCredits  int

	Status Status

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the spendable credits, clamped at zero. The raw
// difference may be transiently negative between a just-in-time downgrade
// and the next read; it must never be exposed negative to a consumer.
func (r *Record) Remaining() int {
	rem := r.UsageCredits - r.UsedCredits
	if rem < 0 {
		return 0
	}
	return rem
}

// PendingPurchase holds a purchase made by email only, before any account
// exists. Keyed by email, unique. Claimed rows are never deleted; they are
// kept as an audit trail with Claimed flipped to true.
type PendingPurchase struct {
	Email string
	Token string

	Provider       PaymentProvider
	CustomerID     string
	SubscriptionID string
	MembershipID   string

	PlanDuration PlanDuration

	BillingCycleStart *time.Time
	BillingCycleEnd   *time.Time
	NextCreditRenewal *time.Time

	UsageCredits int
	UsedCredits  int

	Claimed   bool
	ClaimedBy string
	ClaimedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance is the read-side view of an account's credit standing, produced
// after both just-in-time checks have run.
type Balance struct {
	Total     int
	Used      int
	Remaining int

	Membership        Tier
	NextBillingDate   *time.Time
	NextCreditRenewal *time.Time
}

// PaymentUpdate carries everything a payment-succeeded event resolved for an
// authenticated account.
type PaymentUpdate struct {
	AccountID string
	Email     string

	Provider       PaymentProvider
	CustomerID     string
	SubscriptionID string
	MembershipID   string

	PlanDuration PlanDuration

	// PeriodStart/PeriodEnd are the provider-supplied renewal timestamps.
	// When nil, the billing cycle is derived from PlanDuration.
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// PendingUpdate is the write-path input for a frictionless purchase.
type PendingUpdate struct {
	Email string

	// Token is the provider-issued claim token. When empty a token is
	// generated.
	Token string

	Provider       PaymentProvider
	CustomerID     string
	SubscriptionID string
	MembershipID   string

	PlanDuration PlanDuration

	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// ClaimRequest links a pending purchase to an account, invoked right after
// account creation.
type ClaimRequest struct {
	AccountID string
	Email     string

	// Token is optional; when supplied it must match the stored token.
	Token string
}

// Config holds ledger manager configuration.
type Config struct {
	// FreeCredits is the free-tier allotment (default: 5).
	FreeCredits int

	// ProCredits is the allotment granted by a successful payment
	// (default: 1000).
	ProCredits int

	// RenewalInterval is the credit-renewal clock (default: 28 days).
	RenewalInterval time.Duration

	// OpTimeout is the per-attempt guard around each datastore call
	// (default: 10 seconds).
	OpTimeout time.Duration

	// RetryAttempts bounds persistence retries on the reconciliation
	// write paths (default: 3).
	RetryAttempts int

	// RetryBaseDelay is the first backoff delay; it doubles per attempt
	// (default: 1 second).
	RetryBaseDelay time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics).
	Metrics Metrics

	// Now returns the current time (default: time.Now().UTC). Injected so
	// cycle arithmetic is testable.
	Now func() time.Time
}
