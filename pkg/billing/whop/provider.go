// Package whop implements the billing.Provider interface for Whop.
package whop

import (
	"net/http"
	"strings"
	"time"

	"github.com/notewise/entitlement/pkg/billing"
	"github.com/notewise/entitlement/pkg/ledger"
)

const (
	providerName       = "whop"
	defaultHTTPTimeout = 10 * time.Second
	defaultAPIBaseURL  = "https://api.whop.com/api/v2"
	maxWebhookBody     = 256 * 1024
)

// Config extends billing.Config with Whop-specific options
type Config struct {
	billing.Config

	// APIBaseURL overrides the Whop API endpoint (tests, staging).
	APIBaseURL string
}

// Provider implements the billing.Provider interface for Whop
type Provider struct {
	reconciler *billing.Reconciler
	plans      map[string]ledger.PlanDuration
	secret     []byte
	apiKey     string
	apiBaseURL string
	signupURL  string
	httpClient *http.Client
	logger     ledger.Logger
	metrics    billing.Metrics
}

// NewProvider creates a new Whop billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	apiBaseURL := strings.TrimRight(config.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}

	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		reconciler: config.Reconciler,
		plans:      config.Plans,
		secret:     []byte(secret),
		apiKey:     strings.TrimSpace(config.APIKey),
		apiBaseURL: apiBaseURL,
		signupURL:  config.SignupURL,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Whop webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// planDuration maps a Whop plan id to its configured cadence.
func (p *Provider) planDuration(planID string) ledger.PlanDuration {
	if planID == "" {
		return ""
	}
	return p.plans[planID]
}
