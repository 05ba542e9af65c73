package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/notewise/entitlement/pkg/billing"
)

const checkoutEndpoint = "/checkout/sessions"

// CreateCheckout creates a Stripe Checkout Session for an authenticated
// account. The plan id is the Stripe Price ID; the account id is injected
// into the subscription metadata so every later webhook resolves back to it.
func (p *Provider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	duration := p.planDuration(req.PlanID)
	if duration == "" {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "plan_not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.PlanID)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PlanID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.RedirectURL),
		ClientReferenceID: stripe.String(req.AccountID),
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata("userId", req.AccountID)
	params.SubscriptionData.AddMetadata("planDuration", string(duration))
	params.Metadata = map[string]string{
		"userId":       req.AccountID,
		"planDuration": string(duration),
	}

	session, err := p.createSession(ctx, params)
	if err != nil {
		return nil, err
	}

	return &billing.CheckoutSession{
		URL:          session.URL,
		SessionID:    session.ID,
		PlanDuration: duration,
	}, nil
}

// CreateFrictionlessCheckout creates an email-only Checkout Session. The
// generated claim token travels both in the session metadata (for the pending
// purchase row) and on the signup redirect (for the claim call).
func (p *Provider) CreateFrictionlessCheckout(ctx context.Context, req billing.FrictionlessCheckoutRequest) (*billing.CheckoutSession, error) {
	if err := billing.ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	duration := p.planDuration(req.PlanID)
	if duration == "" {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "plan_not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.PlanID)
	}

	token := billing.NewClaimToken()

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PlanID),
				Quantity: stripe.Int64(1),
			},
		},
		// Frictionless purchases always land on the signup surface,
		// regardless of the requested redirect.
		SuccessURL:    stripe.String(billing.SignupRedirectURL(p.signupURL, req.Email, token)),
		CustomerEmail: stripe.String(req.Email),
	}
	metadata := map[string]string{
		"email":           req.Email,
		"token":           token,
		"planDuration":    string(duration),
		"unauthenticated": "true",
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	for k, v := range metadata {
		params.SubscriptionData.AddMetadata(k, v)
	}
	params.Metadata = metadata

	session, err := p.createSession(ctx, params)
	if err != nil {
		return nil, err
	}

	return &billing.CheckoutSession{
		URL:          session.URL,
		SessionID:    session.ID,
		PlanDuration: duration,
		Token:        token,
	}, nil
}

func (p *Provider) createSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	startTime := time.Now()

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "error")
		p.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, time.Since(startTime))
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, checkoutEndpoint, "success")
	p.metrics.RecordAPICallDuration(providerName, checkoutEndpoint, time.Since(startTime))
	return session, nil
}
