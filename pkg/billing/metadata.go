package billing

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/notewise/entitlement/pkg/ledger"
)

// Metadata is the set of known metadata locations on a payment event.
// Providers populate whichever objects their payload carried; lookups probe
// them in a fixed precedence order instead of speculative field probing at
// every call site.
type Metadata struct {
	// Custom is the primary metadata object attached at checkout time.
	Custom map[string]interface{}

	// Checkout is the provider-specific secondary metadata object present
	// on payment events specifically (e.g. the checkout session metadata).
	Checkout map[string]interface{}

	// Membership is the nested membership-object metadata.
	Membership map[string]interface{}
}

// Metadata field keys shared by both providers' checkout flows.
const (
	metaKeyAccountID       = "userId"
	metaKeyAccountIDLegacy = "user_id"
	metaKeyEmail           = "email"
	metaKeyToken           = "token"
	metaKeyPlanDuration    = "planDuration"
	metaKeyUnauthenticated = "unauthenticated"
)

// AccountID resolves the authenticated-account identifier, probing the
// primary custom metadata, then the payment-event checkout metadata, then
// the nested membership metadata. The provider's own customer/user id is
// never trusted as an account identifier; that id is only usable through
// the secondary index on the ledger. Returns ("", false) when nothing
// matches - callers must have an explicit fallback path.
func (m Metadata) AccountID() (string, bool) {
	for _, obj := range []map[string]interface{}{m.Custom, m.Checkout, m.Membership} {
		if id, ok := stringField(obj, metaKeyAccountID, metaKeyAccountIDLegacy); ok {
			return id, true
		}
	}
	return "", false
}

// Email returns the purchaser email embedded in metadata, or "".
func (m Metadata) Email() string {
	for _, obj := range []map[string]interface{}{m.Custom, m.Checkout, m.Membership} {
		if email, ok := stringField(obj, metaKeyEmail); ok {
			return email
		}
	}
	return ""
}

// Token returns the claim token embedded in metadata, or "".
func (m Metadata) Token() string {
	for _, obj := range []map[string]interface{}{m.Custom, m.Checkout, m.Membership} {
		if token, ok := stringField(obj, metaKeyToken); ok {
			return token
		}
	}
	return ""
}

// Unauthenticated reports whether the checkout was explicitly marked as a
// frictionless (no-account) purchase.
func (m Metadata) Unauthenticated() bool {
	for _, obj := range []map[string]interface{}{m.Custom, m.Checkout, m.Membership} {
		v, ok := obj[metaKeyUnauthenticated]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			return err == nil && b
		}
	}
	return false
}

// PlanDuration returns the cadence embedded in metadata, or "".
func (m Metadata) PlanDuration() ledger.PlanDuration {
	for _, obj := range []map[string]interface{}{m.Custom, m.Checkout, m.Membership} {
		s, ok := stringField(obj, metaKeyPlanDuration)
		if !ok {
			continue
		}
		switch ledger.PlanDuration(s) {
		case ledger.DurationMonthly:
			return ledger.DurationMonthly
		case ledger.DurationYearly:
			return ledger.DurationYearly
		}
	}
	return ""
}

// DecodeMetadataObject parses a raw metadata value that may arrive either as
// a JSON object or as a JSON string wrapping one (some providers
// double-encode custom metadata). Unparseable input yields nil.
func DecodeMetadataObject(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}

	// JSON-string form: unwrap and try again.
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

// StringMapMetadata converts a provider's map[string]string metadata into
// the probe form.
func StringMapMetadata(m map[string]string) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringField(obj map[string]interface{}, keys ...string) (string, bool) {
	if obj == nil {
		return "", false
	}
	for _, key := range keys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s != "" {
			return s, true
		}
	}
	return "", false
}
