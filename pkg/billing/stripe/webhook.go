package stripe

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/notewise/entitlement/pkg/billing"
	"github.com/notewise/entitlement/pkg/ledger"
)

// handleWebhook ingests Stripe webhook deliveries. Signature verification is
// the edge: a mismatch is rejected with 400. Past that point the response is
// always 200, whatever happens inside - redelivery storms are worse than a
// lost event.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ev := p.translate(&event)
	p.reconciler.Handle(r.Context(), providerName, ev)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// translate maps a verified Stripe event onto the reconciler's event union.
// customer.subscription.created/updated are deliberately absent: activation is
// driven by checkout.session.completed and invoice.payment_succeeded only.
func (p *Provider) translate(event *stripe.Event) billing.Event {
	switch event.Type {
	case "checkout.session.completed":
		return p.translateCheckoutCompleted(event)
	case "invoice.payment_succeeded":
		return p.translateInvoicePaymentSucceeded(event)
	case "invoice.payment_failed":
		return p.translateInvoicePaymentFailed(event)
	case "customer.subscription.deleted":
		return p.translateSubscriptionDeleted(event)
	default:
		return &billing.Unknown{Provider: ledger.ProviderStripe, Type: string(event.Type)}
	}
}

func (p *Provider) translateCheckoutCompleted(event *stripe.Event) billing.Event {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return &billing.Unknown{Provider: ledger.ProviderStripe, Type: string(event.Type)}
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}

	email := session.CustomerEmail
	if email == "" && session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}

	return &billing.PaymentSucceeded{
		Provider:       ledger.ProviderStripe,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Email:          email,
		Metadata: billing.Metadata{
			Checkout: billing.StringMapMetadata(session.Metadata),
		},
		OccurredAt: occurredAt(event.Created),
	}
}

func (p *Provider) translateInvoicePaymentSucceeded(event *stripe.Event) billing.Event {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return &billing.Unknown{Provider: ledger.ProviderStripe, Type: string(event.Type)}
	}

	// Subscription id, metadata and period live at different raw paths across
	// API versions; probe the raw JSON instead of pinning one struct shape.
	raw := decodeRaw(event.Data.Raw)
	subscriptionID := rawSubscriptionID(raw)
	if subscriptionID == "" {
		// Not a subscription invoice - nothing to reconcile.
		return &billing.Unknown{Provider: ledger.ProviderStripe, Type: string(event.Type)}
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}

	periodStart, periodEnd := rawLinePeriod(raw)

	return &billing.PaymentSucceeded{
		Provider:       ledger.ProviderStripe,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Email:          invoice.CustomerEmail,
		PlanDuration:   p.planDuration(rawLinePriceID(raw)),
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Metadata: billing.Metadata{
			Custom: rawSubscriptionMetadata(raw),
		},
		OccurredAt: occurredAt(event.Created),
	}
}

func (p *Provider) translateInvoicePaymentFailed(event *stripe.Event) billing.Event {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return &billing.Unknown{Provider: ledger.ProviderStripe, Type: string(event.Type)}
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}

	return &billing.PaymentFailed{
		Provider:   ledger.ProviderStripe,
		CustomerID: customerID,
		Metadata: billing.Metadata{
			Custom: rawSubscriptionMetadata(decodeRaw(event.Data.Raw)),
		},
		OccurredAt: occurredAt(event.Created),
	}
}

func (p *Provider) translateSubscriptionDeleted(event *stripe.Event) billing.Event {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return &billing.Unknown{Provider: ledger.ProviderStripe, Type: string(event.Type)}
	}

	customerID := ""
	if subscription.Customer != nil {
		customerID = subscription.Customer.ID
	}

	return &billing.MembershipInvalidated{
		Provider:   ledger.ProviderStripe,
		CustomerID: customerID,
		Metadata: billing.Metadata{
			Custom: billing.StringMapMetadata(subscription.Metadata),
		},
		OccurredAt: occurredAt(event.Created),
	}
}

// Raw JSON probing helpers. Invoice payloads moved fields between API
// versions (subscription as string vs object, subscription_details nesting
// under parent), so the probes accept every shape we've seen.

func decodeRaw(data json.RawMessage) map[string]interface{} {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return raw
}

func rawSubscriptionID(raw map[string]interface{}) string {
	switch v := raw["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	if details := rawSubscriptionDetails(raw); details != nil {
		if id, ok := details["subscription"].(string); ok {
			return id
		}
	}
	return ""
}

func rawSubscriptionMetadata(raw map[string]interface{}) map[string]interface{} {
	details := rawSubscriptionDetails(raw)
	if details == nil {
		return nil
	}
	md, _ := details["metadata"].(map[string]interface{})
	return md
}

func rawSubscriptionDetails(raw map[string]interface{}) map[string]interface{} {
	if raw == nil {
		return nil
	}
	if details, ok := raw["subscription_details"].(map[string]interface{}); ok {
		return details
	}
	if parent, ok := raw["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			return details
		}
	}
	return nil
}

func rawFirstLine(raw map[string]interface{}) map[string]interface{} {
	if raw == nil {
		return nil
	}
	lines, ok := raw["lines"].(map[string]interface{})
	if !ok {
		return nil
	}
	data, ok := lines["data"].([]interface{})
	if !ok || len(data) == 0 {
		return nil
	}
	line, _ := data[0].(map[string]interface{})
	return line
}

func rawLinePeriod(raw map[string]interface{}) (start, end *time.Time) {
	line := rawFirstLine(raw)
	if line == nil {
		return nil, nil
	}
	period, ok := line["period"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	return rawUnixTime(period["start"]), rawUnixTime(period["end"])
}

func rawLinePriceID(raw map[string]interface{}) string {
	line := rawFirstLine(raw)
	if line == nil {
		return ""
	}
	if price, ok := line["price"].(map[string]interface{}); ok {
		if id, ok := price["id"].(string); ok {
			return id
		}
	}
	if pricing, ok := line["pricing"].(map[string]interface{}); ok {
		if details, ok := pricing["price_details"].(map[string]interface{}); ok {
			if id, ok := details["price"].(string); ok {
				return id
			}
		}
	}
	return ""
}

func rawUnixTime(v interface{}) *time.Time {
	ts, ok := v.(float64)
	if !ok || ts <= 0 {
		return nil
	}
	t := time.Unix(int64(ts), 0).UTC()
	return &t
}

func occurredAt(ts int64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}
