package billing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/notewise/entitlement/pkg/ledger"
)

// CheckoutRequest starts a checkout for an authenticated account.
type CheckoutRequest struct {
	AccountID   string
	PlanID      string
	RedirectURL string
}

// FrictionlessCheckoutRequest starts a checkout keyed by email only.
type FrictionlessCheckoutRequest struct {
	Email       string
	PlanID      string
	RedirectURL string
}

// CheckoutSession is the result of a checkout creation call.
type CheckoutSession struct {
	URL          string
	SessionID    string
	PlanDuration ledger.PlanDuration

	// Token is the claim token generated for frictionless checkouts;
	// empty for authenticated ones.
	Token string
}

// ValidateEmail rejects malformed purchaser emails synchronously, before any
// provider API call. This is the only error class surfaced synchronously to
// an end user on the checkout path.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: %s", ErrInvalidEmail, email)
	}
	return nil
}

// NewClaimToken returns an opaque claim secret for a frictionless checkout.
func NewClaimToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("claim token generation failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// SignupRedirectURL builds the post-payment redirect for a frictionless
// checkout: the signup surface with email and claim token query parameters.
func SignupRedirectURL(signupURL, email, token string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("token", token)
	sep := "?"
	if strings.Contains(signupURL, "?") {
		sep = "&"
	}
	return signupURL + sep + q.Encode()
}
