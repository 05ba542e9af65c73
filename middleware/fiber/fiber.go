// Package fiber provides Fiber middleware for credit-gated endpoints
package fiber

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/notewise/entitlement/pkg/ledger"
)

// AccountIDExtractor extracts the account ID from a Fiber context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the credit amount to consume from the Fiber context
type AmountExtractor func(c *fiber.Ctx) (int, error)

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
	OnInsufficientCredits func(c *fiber.Ctx, balance *ledger.Balance) error

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that consumes credits before letting
// the request through
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("entitlement/fiber: Config.Manager is required")
	}
	if cfg.GetAccountID == nil {
		panic("entitlement/fiber: Config.GetAccountID is required")
	}
	if cfg.GetAmount == nil {
		panic("entitlement/fiber: Config.GetAmount is required")
	}

	if cfg.InsufficientStatusCode == 0 {
		cfg.InsufficientStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil && amount <= 0 {
				err = fmt.Errorf("invalid amount: %d", amount)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		balance, err := cfg.Manager.Consume(c.UserContext(), accountID, amount)
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
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		// Proceed to handler
		return c.Next()
	}
}

func defaultInsufficient(c *fiber.Ctx, balance *ledger.Balance, statusCode int) error {
	if balance != nil {
		return c.Status(statusCode).JSON(fiber.Map{
			"error":     "Insufficient credits",
			"used":      balance.Used,
			"total":     balance.Total,
			"remaining": balance.Remaining,
		})
	}
	return c.Status(statusCode).JSON(fiber.Map{"error": "Insufficient credits"})
}

// Convenience extractors for Account ID

// FromLocals returns an AccountIDExtractor that gets the account ID from
// Fiber locals. Pair this with auth middleware that calls
// c.Locals("AccountID", "...") or similar.
func FromLocals(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*fiber.Ctx) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*fiber.Ctx) int) AmountExtractor {
	return func(c *fiber.Ctx) (int, error) {
		return costFunc(c), nil
	}
}
