package whop

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/notewise/entitlement/pkg/billing"
	"github.com/notewise/entitlement/pkg/ledger"
)

// webhookEnvelope is the Whop event envelope: a declared action plus a
// type-specific data object.
type webhookEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// paymentData is the payload of payment.succeeded / payment.failed events.
type paymentData struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	MembershipID string          `json:"membership_id"`
	PlanID       string          `json:"plan_id"`
	Metadata     json.RawMessage `json:"metadata"`

	CheckoutSession *struct {
		ID       string          `json:"id"`
		Metadata json.RawMessage `json:"metadata"`
	} `json:"checkout_session"`

	Membership *struct {
		ID       string          `json:"id"`
		PlanID   string          `json:"plan_id"`
		Metadata json.RawMessage `json:"metadata"`
	} `json:"membership"`

	RenewalPeriodStart *int64 `json:"renewal_period_start"`
	RenewalPeriodEnd   *int64 `json:"renewal_period_end"`
	CreatedAt          int64  `json:"created_at"`
}

// membershipData is the payload of membership.* events.
type membershipData struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	PlanID   string          `json:"plan_id"`
	Metadata json.RawMessage `json:"metadata"`

	RenewalPeriodStart *int64 `json:"renewal_period_start"`
	RenewalPeriodEnd   *int64 `json:"renewal_period_end"`
	CreatedAt          int64  `json:"created_at"`
}

// handleWebhook ingests Whop webhook deliveries. The HMAC signature check is
// the edge: a mismatch is rejected with 400. Past that point the response is
// always 200, whatever happens inside - redelivery storms are worse than a
// lost event.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBodyStrict(w, r)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if !p.verifySignature(r, body) {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		// Unparseable past the signature check: ack anyway, a redelivery
		// of the same body cannot do better.
		p.logger.Warn("unparseable webhook payload",
			ledger.Field{Key: "provider", Value: providerName},
			ledger.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.ack(w)
		return
	}

	ev := p.translate(&envelope)
	p.reconciler.Handle(r.Context(), providerName, ev)
	p.ack(w)
}

func (p *Provider) ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// translate maps a Whop envelope onto the reconciler's event union.
// membership.went_valid is deliberately absent: "went valid" transitions are
// handled exclusively by payment.succeeded.
func (p *Provider) translate(envelope *webhookEnvelope) billing.Event {
	switch envelope.Action {
	case "payment.succeeded":
		return p.translatePaymentSucceeded(envelope.Data)
	case "payment.failed":
		return p.translatePaymentFailed(envelope.Data)
	case "membership.went_invalid":
		return p.translateMembershipInvalidated(envelope.Data)
	default:
		return &billing.Unknown{Provider: ledger.ProviderWhop, Type: envelope.Action}
	}
}

func (p *Provider) translatePaymentSucceeded(raw json.RawMessage) billing.Event {
	var data paymentData
	if err := json.Unmarshal(raw, &data); err != nil {
		return &billing.Unknown{Provider: ledger.ProviderWhop, Type: "payment.succeeded"}
	}

	md := billing.Metadata{
		Custom:   billing.DecodeMetadataObject(data.Metadata),
		Checkout: checkoutMetadata(&data),
	}

	membershipID := data.MembershipID
	planID := data.PlanID
	if data.Membership != nil {
		if membershipID == "" {
			membershipID = data.Membership.ID
		}
		if planID == "" {
			planID = data.Membership.PlanID
		}
		md.Membership = billing.DecodeMetadataObject(data.Membership.Metadata)
	}

	return &billing.PaymentSucceeded{
		Provider:     ledger.ProviderWhop,
		CustomerID:   data.UserID,
		MembershipID: membershipID,
		PlanDuration: p.planDuration(planID),
		PeriodStart:  unixTime(data.RenewalPeriodStart),
		PeriodEnd:    unixTime(data.RenewalPeriodEnd),
		Metadata:     md,
		OccurredAt:   occurredAt(data.CreatedAt),
	}
}

func (p *Provider) translatePaymentFailed(raw json.RawMessage) billing.Event {
	var data paymentData
	if err := json.Unmarshal(raw, &data); err != nil {
		return &billing.Unknown{Provider: ledger.ProviderWhop, Type: "payment.failed"}
	}

	md := billing.Metadata{
		Custom:   billing.DecodeMetadataObject(data.Metadata),
		Checkout: checkoutMetadata(&data),
	}
	if data.Membership != nil {
		md.Membership = billing.DecodeMetadataObject(data.Membership.Metadata)
	}

	return &billing.PaymentFailed{
		Provider:   ledger.ProviderWhop,
		CustomerID: data.UserID,
		Metadata:   md,
		OccurredAt: occurredAt(data.CreatedAt),
	}
}

func (p *Provider) translateMembershipInvalidated(raw json.RawMessage) billing.Event {
	var data membershipData
	if err := json.Unmarshal(raw, &data); err != nil {
		return &billing.Unknown{Provider: ledger.ProviderWhop, Type: "membership.went_invalid"}
	}

	return &billing.MembershipInvalidated{
		Provider:     ledger.ProviderWhop,
		CustomerID:   data.UserID,
		MembershipID: data.ID,
		Metadata: billing.Metadata{
			Membership: billing.DecodeMetadataObject(data.Metadata),
		},
		OccurredAt: occurredAt(data.CreatedAt),
	}
}

// verifySignature checks the hex-encoded HMAC-SHA256 of the raw body
// against the shared secret.
func (p *Provider) verifySignature(r *http.Request, body []byte) bool {
	sig := strings.TrimSpace(r.Header.Get("X-Whop-Signature"))
	if sig == "" {
		sig = strings.TrimSpace(r.Header.Get("x-whop-signature"))
	}
	if sig == "" {
		return false
	}
	sig = strings.TrimPrefix(sig, "sha256=")

	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	if _, err := mac.Write(body); err != nil {
		return false
	}
	return hmac.Equal(expected, mac.Sum(nil))
}

// readBodyStrict reads the request body and validates it's not empty.
// Enforces a 256KB limit to prevent memory exhaustion.
func readBodyStrict(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, billing.ErrInvalidWebhookPayload
	}
	return body, nil
}

func checkoutMetadata(data *paymentData) map[string]interface{} {
	if data.CheckoutSession == nil {
		return nil
	}
	return billing.DecodeMetadataObject(data.CheckoutSession.Metadata)
}

func unixTime(ts *int64) *time.Time {
	if ts == nil || *ts <= 0 {
		return nil
	}
	t := time.Unix(*ts, 0).UTC()
	return &t
}

func occurredAt(ts int64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}
