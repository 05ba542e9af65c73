package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface that any billing backend must implement.
// This allows the application to swap Stripe for Whop with zero logic changes.
type Provider interface {
	// Name returns the provider name (e.g., "stripe", "whop")
	Name() string

	// WebhookHandler returns the HTTP handler that ingests provider events.
	// The implementation handles edge validation and parsing, then hands the
	// translated event to the Reconciler.
	WebhookHandler() http.Handler

	// CreateCheckout starts a checkout session for an authenticated account.
	// The account id is embedded in the session metadata so the identity
	// resolver can find it when the payment event arrives.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CreateFrictionlessCheckout starts a checkout session keyed by email
	// only, for purchases made before an account exists. The session
	// metadata carries the email, a claim token, and an unauthenticated
	// marker; the post-payment redirect always lands on the signup surface
	// with email and token as query parameters.
	CreateFrictionlessCheckout(ctx context.Context, req FrictionlessCheckoutRequest) (*CheckoutSession, error)
}
