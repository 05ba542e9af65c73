// Package postgres provides a PostgreSQL implementation of the ledger.Storage
// interface. Records are stored as one row per account with a unique email
// index; pending purchases are keyed by email and kept forever as an audit
// trail.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notewise/entitlement/pkg/ledger"
)

// Storage implements ledger.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Schema is the DDL for the two ledger tables. Apply it with Migrate or an
// external migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS entitlement_records (
	account_id          TEXT PRIMARY KEY,
	email               TEXT NOT NULL DEFAULT '',
	tier                TEXT NOT NULL,
	provider            TEXT NOT NULL DEFAULT '',
	customer_id         TEXT NOT NULL DEFAULT '',
	subscription_id     TEXT NOT NULL DEFAULT '',
	membership_id       TEXT NOT NULL DEFAULT '',
	plan_duration       TEXT NOT NULL DEFAULT '',
	billing_cycle_start TIMESTAMPTZ,
	billing_cycle_end   TIMESTAMPTZ,
	next_credit_renewal TIMESTAMPTZ,
	usage_credits       BIGINT NOT NULL DEFAULT 0,
	used_credits        BIGINT NOT NULL DEFAULT 0,
	status              TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS entitlement_records_email_idx
	ON entitlement_records (lower(email)) WHERE email <> '';

CREATE INDEX IF NOT EXISTS entitlement_records_customer_idx
	ON entitlement_records (provider, customer_id) WHERE customer_id <> '';

CREATE TABLE IF NOT EXISTS pending_purchases (
	email               TEXT PRIMARY KEY,
	token               TEXT NOT NULL,
	provider            TEXT NOT NULL DEFAULT '',
	customer_id         TEXT NOT NULL DEFAULT '',
	subscription_id     TEXT NOT NULL DEFAULT '',
	membership_id       TEXT NOT NULL DEFAULT '',
	plan_duration       TEXT NOT NULL DEFAULT '',
	billing_cycle_start TIMESTAMPTZ,
	billing_cycle_end   TIMESTAMPTZ,
	next_credit_renewal TIMESTAMPTZ,
	usage_credits       BIGINT NOT NULL DEFAULT 0,
	used_credits        BIGINT NOT NULL DEFAULT 0,
	claimed             BOOLEAN NOT NULL DEFAULT FALSE,
	claimed_by          TEXT NOT NULL DEFAULT '',
	claimed_at          TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
`

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{
		pool:   pool,
		config: config,
	}, nil
}

// Migrate applies the ledger schema. Safe to call repeatedly.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements ledger.Storage
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const recordColumns = `account_id, email, tier, provider, customer_id, subscription_id, membership_id,
	plan_duration, billing_cycle_start, billing_cycle_end, next_credit_renewal,
	usage_credits, used_credits, status, created_at, updated_at`

// GetRecord implements ledger.Storage
func (s *Storage) GetRecord(ctx context.Context, accountID string) (*ledger.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records WHERE account_id = $1`,
		accountID)
	return scanRecord(row)
}

// GetRecordByEmail implements ledger.Storage
func (s *Storage) GetRecordByEmail(ctx context.Context, email string) (*ledger.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records
			WHERE lower(email) = lower($1) AND email <> ''
			ORDER BY updated_at DESC LIMIT 1`,
		strings.TrimSpace(email))
	return scanRecord(row)
}

// FindRecordByCustomerID implements ledger.Storage
func (s *Storage) FindRecordByCustomerID(
	ctx context.Context, provider ledger.PaymentProvider, customerID string,
) (*ledger.Record, error) {
	if customerID == "" {
		return nil, ledger.ErrRecordNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records
			WHERE provider = $1 AND customer_id = $2
			ORDER BY updated_at DESC LIMIT 1`,
		string(provider), customerID)
	return scanRecord(row)
}

// PutRecord implements ledger.Storage
func (s *Storage) PutRecord(ctx context.Context, rec *ledger.Record) error {
	if rec == nil || rec.AccountID == "" {
		return fmt.Errorf("invalid record")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlement_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (account_id) DO UPDATE SET
				email               = EXCLUDED.email,
				tier                = EXCLUDED.tier,
				provider            = EXCLUDED.provider,
				customer_id         = EXCLUDED.customer_id,
				subscription_id     = EXCLUDED.subscription_id,
				membership_id       = EXCLUDED.membership_id,
				plan_duration       = EXCLUDED.plan_duration,
				billing_cycle_start = EXCLUDED.billing_cycle_start,
				billing_cycle_end   = EXCLUDED.billing_cycle_end,
				next_credit_renewal = EXCLUDED.next_credit_renewal,
				usage_credits       = EXCLUDED.usage_credits,
				used_credits        = EXCLUDED.used_credits,
				status              = EXCLUDED.status,
				created_at          = EXCLUDED.created_at,
				updated_at          = EXCLUDED.updated_at`,
		rec.AccountID, rec.Email, string(rec.Tier), string(rec.Provider),
		rec.CustomerID, rec.SubscriptionID, rec.MembershipID,
		string(rec.PlanDuration), rec.BillingCycleStart, rec.BillingCycleEnd,
		rec.NextCreditRenewal, rec.UsageCredits, rec.UsedCredits,
		string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

const pendingColumns = `email, token, provider, customer_id, subscription_id, membership_id,
	plan_duration, billing_cycle_start, billing_cycle_end, next_credit_renewal,
	usage_credits, used_credits, claimed, claimed_by, claimed_at, created_at, updated_at`

// GetPendingPurchase implements ledger.Storage
func (s *Storage) GetPendingPurchase(ctx context.Context, email string) (*ledger.PendingPurchase, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_purchases WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email))
	return scanPending(row)
}

// PutPendingPurchase implements ledger.Storage
func (s *Storage) PutPendingPurchase(ctx context.Context, p *ledger.PendingPurchase) error {
	if p == nil || p.Email == "" {
		return fmt.Errorf("invalid pending purchase")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_purchases (`+pendingColumns+`)
			VALUES (lower($1), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (email) DO UPDATE SET
				token               = EXCLUDED.token,
				provider            = EXCLUDED.provider,
				customer_id         = EXCLUDED.customer_id,
				subscription_id     = EXCLUDED.subscription_id,
				membership_id       = EXCLUDED.membership_id,
				plan_duration       = EXCLUDED.plan_duration,
				billing_cycle_start = EXCLUDED.billing_cycle_start,
				billing_cycle_end   = EXCLUDED.billing_cycle_end,
				next_credit_renewal = EXCLUDED.next_credit_renewal,
				usage_credits       = EXCLUDED.usage_credits,
				used_credits        = EXCLUDED.used_credits,
				claimed             = EXCLUDED.claimed,
				claimed_by          = EXCLUDED.claimed_by,
				claimed_at          = EXCLUDED.claimed_at,
				updated_at          = EXCLUDED.updated_at`,
		strings.TrimSpace(p.Email), p.Token, string(p.Provider), p.CustomerID,
		p.SubscriptionID, p.MembershipID, string(p.PlanDuration),
		p.BillingCycleStart, p.BillingCycleEnd, p.NextCreditRenewal,
		p.UsageCredits, p.UsedCredits, p.Claimed, p.ClaimedBy, p.ClaimedAt,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put pending purchase: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*ledger.Record, error) {
	var rec ledger.Record
	var tier, provider, planDuration, status string

	err := row.Scan(
		&rec.AccountID, &rec.Email, &tier, &provider,
		&rec.CustomerID, &rec.SubscriptionID, &rec.MembershipID,
		&planDuration, &rec.BillingCycleStart, &rec.BillingCycleEnd,
		&rec.NextCreditRenewal, &rec.UsageCredits, &rec.UsedCredits,
		&status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	rec.Tier = ledger.Tier(tier)
	rec.Provider = ledger.PaymentProvider(provider)
	rec.PlanDuration = ledger.PlanDuration(planDuration)
	rec.Status = ledger.Status(status)
	return &rec, nil
}

func scanPending(row pgx.Row) (*ledger.PendingPurchase, error) {
	var p ledger.PendingPurchase
	var provider, planDuration string

	err := row.Scan(
		&p.Email, &p.Token, &provider, &p.CustomerID,
		&p.SubscriptionID, &p.MembershipID, &planDuration,
		&p.BillingCycleStart, &p.BillingCycleEnd, &p.NextCreditRenewal,
		&p.UsageCredits, &p.UsedCredits, &p.Claimed, &p.ClaimedBy,
		&p.ClaimedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending purchase: %w", err)
	}

	p.Provider = ledger.PaymentProvider(provider)
	p.PlanDuration = ledger.PlanDuration(planDuration)
	return &p, nil
}
