// Package stripe implements the billing.Provider interface for Stripe.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/notewise/entitlement/pkg/billing"
	"github.com/notewise/entitlement/pkg/ledger"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	maxWebhookBody     = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	reconciler    *billing.Reconciler
	plans         map[string]ledger.PlanDuration // Price ID -> cadence
	webhookSecret string
	signupURL     string
	stripeClient  *stripe.Client
	logger        ledger.Logger
	metrics       billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	if webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	// Price IDs are matched case-insensitively, same as the dashboard search.
	plans := make(map[string]ledger.PlanDuration, len(config.Plans))
	for id, duration := range config.Plans {
		plans[strings.ToLower(strings.TrimSpace(id))] = duration
	}

	return &Provider{
		reconciler:    config.Reconciler,
		plans:         plans,
		webhookSecret: webhookSecret,
		signupURL:     config.SignupURL,
		stripeClient:  stripe.NewClient(apiKey),
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// planDuration maps a Stripe Price ID to its configured cadence.
func (p *Provider) planDuration(priceID string) ledger.PlanDuration {
	if priceID == "" {
		return ""
	}
	return p.plans[strings.ToLower(strings.TrimSpace(priceID))]
}
