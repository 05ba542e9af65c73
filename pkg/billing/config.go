package billing

import (
	"net/http"

	"github.com/notewise/entitlement/pkg/ledger"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Reconciler receives every translated webhook event.
	Reconciler *Reconciler

	// Plans maps provider plan/price identifiers to their billing cadence.
	// Checkout creation rejects plan ids missing from this map.
	Plans map[string]ledger.PlanDuration

	// WebhookSecret is the shared secret used to verify incoming webhook
	// requests (HMAC signature or the provider SDK's signing scheme).
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// SignupURL is the signup surface frictionless checkouts redirect to
	// after payment, with email and claim token appended as query params.
	SignupURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is used for structured logging (default: NoopLogger).
	Logger ledger.Logger

	// Metrics is an optional metrics collector for provider operations.
	// If nil, metrics are silently ignored (no-op).
	Metrics Metrics
}
