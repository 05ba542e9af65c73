// Package http provides HTTP middleware for credit-gated endpoints
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/notewise/entitlement/pkg/ledger"
)

// AccountIDExtractor extracts the account ID from an HTTP request
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(r *http.Request) string

// AmountExtractor calculates the credit amount to consume from the request
type AmountExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the ledger manager instance
	Manager *ledger.Manager

	// GetAccountID extracts the account ID from the request (required)
	GetAccountID AccountIDExtractor

	// GetAmount calculates the credit amount from the request (required)
	GetAmount AmountExtractor

	// OnInsufficientCredits is called when the balance cannot cover the
	// request. If nil, returns 402 Payment Required.
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, balance *ledger.Balance)

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that consumes credits before letting
// the request through
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			amount, err := config.GetAmount(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			balance, err := config.Manager.Consume(r.Context(), accountID, amount)
			if err != nil {
				if errors.Is(err, ledger.ErrInsufficientCredits) {
					if config.OnInsufficientCredits != nil {
						config.OnInsufficientCredits(w, r, balance)
					} else {
						msg := fmt.Sprintf("Insufficient credits: %d/%d used", balance.Used, balance.Total)
						http.Error(w, msg, http.StatusPaymentRequired)
					}
				} else {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
				}
				return
			}

			// Credits consumed successfully, proceed to handler
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that consumes credits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(r *http.Request) (int, error) {
		return amount, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// AccountIDKey is the context key for the account ID
	AccountIDKey ContextKey = "entitlement:accountID"
)

// FromContext returns an AccountIDExtractor that gets the account ID from
// the request context
func FromContext(key ContextKey) AccountIDExtractor {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithAccountID adds the account ID to the request context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}
