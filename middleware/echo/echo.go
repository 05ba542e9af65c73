// Package echo provides Echo middleware for credit-gated endpoints
package echo

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/notewise/entitlement/pkg/ledger"
)

// AccountIDExtractor extracts the account ID from an Echo context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c echo.Context) string

// AmountExtractor calculates the credit amount to consume from the Echo context
type AmountExtractor func(c echo.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the ledger manager instance
	Manager *ledger.Manager

	// GetAccountID extracts the account ID from context (required)
	GetAccountID AccountIDExtractor

	// GetAmount calculates the credit amount from context (required)
	GetAmount AmountExtractor

	// InsufficientStatusCode is the HTTP status code to return when the
	// balance cannot cover the request
	// Default: 402 (Payment Required)
	InsufficientStatusCode int

	// OnInsufficientCredits is called when the balance cannot cover the request
	// If nil, uses default response: InsufficientStatusCode JSON with balance info
	OnInsufficientCredits func(c echo.Context, balance *ledger.Balance) error

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that consumes credits before letting
// the request through
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("entitlement/echo: Config.Manager is required")
	}
	if cfg.GetAccountID == nil {
		panic("entitlement/echo: Config.GetAccountID is required")
	}
	if cfg.GetAmount == nil {
		panic("entitlement/echo: Config.GetAmount is required")
	}

	if cfg.InsufficientStatusCode == 0 {
		cfg.InsufficientStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			amount, err := cfg.GetAmount(c)
			if err != nil || amount <= 0 {
				if err == nil && amount <= 0 {
					err = fmt.Errorf("invalid amount: %d", amount)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			balance, err := cfg.Manager.Consume(c.Request().Context(), accountID, amount)
			if err != nil {
				if errors.Is(err, ledger.ErrInsufficientCredits) {
					if cfg.OnInsufficientCredits != nil {
						return cfg.OnInsufficientCredits(c, balance)
					}
					return defaultInsufficient(c, balance, cfg.InsufficientStatusCode)
				}

				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			// Proceed to handler
			return next(c)
		}
	}
}

func defaultInsufficient(c echo.Context, balance *ledger.Balance, statusCode int) error {
	if balance != nil {
		return c.JSON(statusCode, map[string]interface{}{
			"error":     "Insufficient credits",
			"used":      balance.Used,
			"total":     balance.Total,
			"remaining": balance.Remaining,
		})
	}
	return c.JSON(statusCode, map[string]string{"error": "Insufficient credits"})
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets the account ID from
// Echo context values. Pair this with auth middleware that calls
// c.Set("AccountID", "...") or similar.
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(echo.Context) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(echo.Context) int) AmountExtractor {
	return func(c echo.Context) (int, error) {
		return costFunc(c), nil
	}
}
