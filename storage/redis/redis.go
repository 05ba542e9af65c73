// Package redis provides a Redis implementation of the ledger.Storage
// interface. Records are stored as JSON values with secondary index keys for
// email and provider-customer lookups; writes update value and indexes in one
// pipeline.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/notewise/entitlement/pkg/ledger"
)

// Storage implements ledger.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitlement:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "entitlement:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "entitlement:"
	}

	return &Storage{
		client: client,
		config: config,
	}, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping implements ledger.Storage
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetRecord implements ledger.Storage
func (s *Storage) GetRecord(ctx context.Context, accountID string) (*ledger.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(accountID)).Bytes()
	if err == redis.Nil {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var rec ledger.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// GetRecordByEmail implements ledger.Storage
func (s *Storage) GetRecordByEmail(ctx context.Context, email string) (*ledger.Record, error) {
	accountID, err := s.client.Get(ctx, s.emailIndexKey(email)).Result()
	if err == redis.Nil {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve email index: %w", err)
	}
	return s.GetRecord(ctx, accountID)
}

// FindRecordByCustomerID implements ledger.Storage
func (s *Storage) FindRecordByCustomerID(
	ctx context.Context, provider ledger.PaymentProvider, customerID string,
) (*ledger.Record, error) {
	if customerID == "" {
		return nil, ledger.ErrRecordNotFound
	}

	accountID, err := s.client.Get(ctx, s.customerIndexKey(provider, customerID)).Result()
	if err == redis.Nil {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer index: %w", err)
	}
	return s.GetRecord(ctx, accountID)
}

// PutRecord implements ledger.Storage
func (s *Storage) PutRecord(ctx context.Context, rec *ledger.Record) error {
	if rec == nil || rec.AccountID == "" {
		return fmt.Errorf("invalid record")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.AccountID), data, 0)
	if rec.Email != "" {
		pipe.Set(ctx, s.emailIndexKey(rec.Email), rec.AccountID, 0)
	}
	if rec.Provider != "" && rec.CustomerID != "" {
		pipe.Set(ctx, s.customerIndexKey(rec.Provider, rec.CustomerID), rec.AccountID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

// GetPendingPurchase implements ledger.Storage
func (s *Storage) GetPendingPurchase(ctx context.Context, email string) (*ledger.PendingPurchase, error) {
	data, err := s.client.Get(ctx, s.pendingKey(email)).Bytes()
	if err == redis.Nil {
		return nil, ledger.ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending purchase: %w", err)
	}

	var p ledger.PendingPurchase
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending purchase: %w", err)
	}
	return &p, nil
}

// PutPendingPurchase implements ledger.Storage
func (s *Storage) PutPendingPurchase(ctx context.Context, p *ledger.PendingPurchase) error {
	if p == nil || p.Email == "" {
		return fmt.Errorf("invalid pending purchase")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending purchase: %w", err)
	}

	// Pending rows never expire; claimed rows stay as an audit trail.
	if err := s.client.Set(ctx, s.pendingKey(p.Email), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to put pending purchase: %w", err)
	}
	return nil
}

// Key builders

func (s *Storage) recordKey(accountID string) string {
	return fmt.Sprintf("%srecord:%s", s.config.KeyPrefix, accountID)
}

func (s *Storage) emailIndexKey(email string) string {
	return fmt.Sprintf("%semail:%s", s.config.KeyPrefix, normalizeEmail(email))
}

func (s *Storage) customerIndexKey(provider ledger.PaymentProvider, customerID string) string {
	return fmt.Sprintf("%scustomer:%s:%s", s.config.KeyPrefix, provider, customerID)
}

func (s *Storage) pendingKey(email string) string {
	return fmt.Sprintf("%spending:%s", s.config.KeyPrefix, normalizeEmail(email))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
