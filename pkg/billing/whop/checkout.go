package whop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/notewise/entitlement/pkg/billing"
)

const checkoutEndpoint = "/checkout_sessions"

// checkoutSessionRequest is the Whop checkout session creation payload.
type checkoutSessionRequest struct {
	PlanID      string            `json:"plan_id"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// checkoutSessionResponse is the subset of the Whop response we use.
type checkoutSessionResponse struct {
	ID          string `json:"id"`
	PurchaseURL string `json:"purchase_url"`
}

// CreateCheckout starts a checkout session for an authenticated account.
// The account id rides in the session metadata so payment events resolve
// back to the account.
func (p *Provider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	duration, ok := p.plans[req.PlanID]
	if !ok {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "plan_not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.PlanID)
	}

	sess, err := p.createSession(ctx, checkoutSessionRequest{
		PlanID:      req.PlanID,
		RedirectURL: req.RedirectURL,
		Metadata: map[string]string{
			"userId":       req.AccountID,
			"planDuration": string(duration),
		},
	})
	if err != nil {
		return nil, err
	}

	return &billing.CheckoutSession{
		URL:          sess.PurchaseURL,
		SessionID:    sess.ID,
		PlanDuration: duration,
	}, nil
}

// CreateFrictionlessCheckout starts an email-only checkout session. The
// generated claim token travels both in the session metadata (for the
// pending purchase row) and on the signup redirect (for the claim call).
func (p *Provider) CreateFrictionlessCheckout(ctx context.Context, req billing.FrictionlessCheckoutRequest) (*billing.CheckoutSession, error) {
	if err := billing.ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	duration, ok := p.plans[req.PlanID]
	if !ok {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "plan_not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.PlanID)
	}

	token := billing.NewClaimToken()

	sess, err := p.createSession(ctx, checkoutSessionRequest{
		PlanID: req.PlanID,
		// Frictionless purchases always land on the signup surface,
		// regardless of the requested redirect.
		RedirectURL: billing.SignupRedirectURL(p.signupURL, req.Email, token),
		Metadata: map[string]string{
			"email":           req.Email,
			"token":           token,
			"planDuration":    string(duration),
			"unauthenticated": "true",
		},
	})
	if err != nil {
		return nil, err
	}

	return &billing.CheckoutSession{
		URL:          sess.PurchaseURL,
		SessionID:    sess.ID,
		PlanDuration: duration,
		Token:        token,
	}, nil
}

func (p *Provider) createSession(ctx context.Context, payload checkoutSessionRequest) (*checkoutSessionResponse, error) {
	startTime := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkout request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBaseURL+checkoutEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build checkout request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "error")
		p.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, time.Since(startTime))
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "error")
		p.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, time.Since(startTime))
		return nil, fmt.Errorf("%w: checkout session creation returned %d", billing.ErrProviderAPIError, resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkout response: %w", err)
	}

	var sess checkoutSessionResponse
	if err := json.Unmarshal(respBody, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode checkout response: %w", err)
	}

	p.metrics.RecordAPICall(providerName, checkoutEndpoint, "success")
	p.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, time.Since(startTime))
	return &sess, nil
}
