// Package gin provides Gin middleware for credit-gated endpoints
package gin

import (
	"errors"
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/notewise/entitlement/pkg/ledger"
)

// AccountIDExtractor extracts the account ID from a Gin context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *gongin.Context) string

// AmountExtractor calculates the credit amount to consume from the Gin context
type AmountExtractor func(c *gongin.Context) (int, error)

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
	OnInsufficientCredits func(c *gongin.Context, balance *ledger.Balance)

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that consumes credits before letting
// the request through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("entitlement/gin: Config.Manager is required")
	}
	if cfg.GetAccountID == nil {
		panic("entitlement/gin: Config.GetAccountID is required")
	}
	if cfg.GetAmount == nil {
		panic("entitlement/gin: Config.GetAmount is required")
	}

	if cfg.InsufficientStatusCode == 0 {
		cfg.InsufficientStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil && amount <= 0 {
				err = fmt.Errorf("invalid amount: %d", amount)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		balance, err := cfg.Manager.Consume(c.Request.Context(), accountID, amount)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				if cfg.OnInsufficientCredits != nil {
					cfg.OnInsufficientCredits(c, balance)
				} else {
					defaultInsufficient(c, balance, cfg.InsufficientStatusCode)
				}
				c.Abort()
				return
			}

			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		// Proceed to handler
		c.Next()
	}
}

func defaultInsufficient(c *gongin.Context, balance *ledger.Balance, statusCode int) {
	if balance != nil {
		c.JSON(statusCode, gongin.H{
			"error":     "Insufficient credits",
			"used":      balance.Used,
			"total":     balance.Total,
			"remaining": balance.Remaining,
		})
	} else {
		c.JSON(statusCode, gongin.H{"error": "Insufficient credits"})
	}
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets the account ID from Gin
// context values. This is the recommended approach for integrating with auth
// middleware that sets user information via c.Set("AccountID", "...") or similar.
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*gongin.Context) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) int) AmountExtractor {
	return func(c *gongin.Context) (int, error) {
		return costFunc(c), nil
	}
}
