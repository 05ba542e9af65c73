package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultFreeCredits     = 5
	defaultProCredits      = 1000
	defaultRenewalInterval = 28 * 24 * time.Hour
	defaultOpTimeout       = 10 * time.Second
	defaultRetryAttempts   = 3
	defaultRetryBaseDelay  = time.Second
)

// Manager applies reconciliation mutations and just-in-time checks to the
// entitlement ledger. It holds no state beyond its dependencies; every check
// re-reads the record fresh.
type Manager struct {
	storage Storage
	config  Config
}

// NewManager creates a new ledger manager with the given storage and configuration.
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.FreeCredits <= 0 {
		config.FreeCredits = defaultFreeCredits
	}
	if config.ProCredits <= 0 {
		config.ProCredits = defaultProCredits
	}
	if config.RenewalInterval <= 0 {
		config.RenewalInterval = defaultRenewalInterval
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = defaultOpTimeout
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaultRetryAttempts
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaultRetryBaseDelay
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Manager{
		storage: storage,
		config:  config,
	}, nil
}

// Ping probes the underlying datastore.
func (m *Manager) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	defer cancel()
	return m.storage.Ping(opCtx)
}

// EnsureRecord returns the entitlement record for an account, creating the
// default free record (free allotment, renewal clock started) when none
// exists yet. Called at first authenticated session.
func (m *Manager) EnsureRecord(ctx context.Context, accountID, email string) (*Record, error) {
	rec, err := m.getRecord(ctx, accountID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	now := m.config.Now()
	renewal := now.Add(m.config.RenewalInterval)
	rec = &Record{
		AccountID:         accountID,
		Email:             email,
		Tier:              TierFree,
		UsageCredits:      m.config.FreeCredits,
		UsedCredits:       0,
		NextCreditRenewal: &renewal,
		Status:            StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.putRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create default record: %w", err)
	}
	return rec, nil
}

// Balance returns the account's credit standing after running both
// just-in-time checks, in order: credit-renewal rollover, then
// post-cancellation downgrade. A missing record is bootstrapped to the free
// default. Remaining is clamped at zero.
func (m *Manager) Balance(ctx context.Context, accountID string) (*Balance, error) {
	rec, err := m.EnsureRecord(ctx, accountID, "")
	if err != nil {
		return nil, err
	}
	if err := m.runTimeChecks(ctx, rec); err != nil {
		return nil, err
	}
	return m.balanceOf(rec), nil
}

// Consume spends credits for a premium action. Both just-in-time checks run
// before the balance comparison. Returns ErrInsufficientCredits (with the
// current balance) when the remaining allowance does not cover the amount.
func (m *Manager) Consume(ctx context.Context, accountID string, amount int) (*Balance, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	rec, err := m.EnsureRecord(ctx, accountID, "")
	if err != nil {
		m.config.Metrics.RecordConsume("error")
		return nil, err
	}
	if err := m.runTimeChecks(ctx, rec); err != nil {
		m.config.Metrics.RecordConsume("error")
		return nil, err
	}

	if amount == 0 {
		return m.balanceOf(rec), nil
	}
	if rec.Remaining() < amount {
		m.config.Metrics.RecordConsume("insufficient")
		return m.balanceOf(rec), ErrInsufficientCredits
	}

	rec.UsedCredits += amount
	rec.UpdatedAt = m.config.Now()
	if err := m.putRecord(ctx, rec); err != nil {
		m.config.Metrics.RecordConsume("error")
		return nil, fmt.Errorf("failed to persist consumption: %w", err)
	}

	m.config.Metrics.RecordConsume("ok")
	return m.balanceOf(rec), nil
}

// ApplyPaymentSucceeded promotes an account to pro with a fresh allotment.
// Full overwrite semantics: applying the same event twice converges on the
// same state, which is what makes at-least-once delivery safe without a
// dedup ledger.
func (m *Manager) ApplyPaymentSucceeded(ctx context.Context, up PaymentUpdate) error {
	now := m.config.Now()

	rec, err := m.getRecord(ctx, up.AccountID)
	if errors.Is(err, ErrRecordNotFound) {
		rec = &Record{
			AccountID: up.AccountID,
			CreatedAt: now,
		}
	} else if err != nil {
		return err
	}

	cycleStart, cycleEnd := resolvePeriod(up.PlanDuration, up.PeriodStart, up.PeriodEnd, now)
	renewal := now.Add(m.config.RenewalInterval)

	if up.Email != "" {
		rec.Email = up.Email
	}
	rec.Tier = TierPro
	rec.Provider = up.Provider
	rec.CustomerID = up.CustomerID
	rec.SubscriptionID = up.SubscriptionID
	rec.MembershipID = up.MembershipID
	rec.PlanDuration = up.PlanDuration
	rec.BillingCycleStart = &cycleStart
	rec.BillingCycleEnd = &cycleEnd
	rec.NextCreditRenewal = &renewal
	rec.UsageCredits = m.config.ProCredits
	rec.UsedCredits = 0
	rec.Status = StatusActive
	rec.UpdatedAt = now

	return m.persistWithRetry(ctx, "payment_succeeded", rec)
}

// ApplyPaymentFailed marks the account's status only; tier and credits are
// untouched until the provider actually invalidates the membership.
func (m *Manager) ApplyPaymentFailed(ctx context.Context, accountID string) error {
	rec, err := m.getRecord(ctx, accountID)
	if err != nil {
		return err
	}

	rec.Status = StatusPaymentFailed
	rec.UpdatedAt = m.config.Now()

	return m.persistWithRetry(ctx, "payment_failed", rec)
}

// ApplyMembershipInvalidated downgrades the account to free while preserving
// its credit balance. The account keeps whatever it had until the stored
// billing cycle end passes; the read-path check enforces the clamp later.
func (m *Manager) ApplyMembershipInvalidated(ctx context.Context, accountID string) error {
	rec, err := m.getRecord(ctx, accountID)
	if err != nil {
		return err
	}

	rec.Tier = TierFree
	rec.Status = StatusCanceled
	rec.PlanDuration = ""
	rec.UpdatedAt = m.config.Now()

	return m.persistWithRetry(ctx, "membership_invalidated", rec)
}

// RecordByEmail looks up the entitlement record carrying an email.
func (m *Manager) RecordByEmail(ctx context.Context, email string) (*Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	defer cancel()
	return m.storage.GetRecordByEmail(opCtx, email)
}

// FindAccountByCustomerID resolves an account through the provider-customer
// secondary index. Used as the fallback identity path for payment events
// whose metadata carries no account reference.
func (m *Manager) FindAccountByCustomerID(ctx context.Context, provider PaymentProvider, customerID string) (string, error) {
	if customerID == "" {
		return "", ErrRecordNotFound
	}
	opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	defer cancel()
	rec, err := m.storage.FindRecordByCustomerID(opCtx, provider, customerID)
	if err != nil {
		return "", err
	}
	return rec.AccountID, nil
}

// runTimeChecks applies both rollovers and persists when either fired.
// Read-path persistence is single-attempt: a failed lazy rollover simply
// runs again on the next read.
func (m *Manager) runTimeChecks(ctx context.Context, rec *Record) error {
	now := m.config.Now()

	changed := false
	if rolloverCreditRenewal(rec, now, m.config.RenewalInterval) {
		m.config.Metrics.RecordRenewalRollover()
		m.config.Logger.Debug("credit renewal rolled over",
			Field{Key: "account_id", Value: rec.AccountID})
		changed = true
	}
	if downgradeAfterBillingCycle(rec, now, m.config.FreeCredits, m.config.RenewalInterval) {
		m.config.Metrics.RecordCycleDowngrade()
		m.config.Logger.Info("post-cancellation downgrade applied",
			Field{Key: "account_id", Value: rec.AccountID})
		changed = true
	}

	if !changed {
		return nil
	}
	rec.UpdatedAt = now
	return m.putRecord(ctx, rec)
}

func (m *Manager) balanceOf(rec *Record) *Balance {
	return &Balance{
		Total:             rec.UsageCredits,
		Used:              rec.UsedCredits,
		Remaining:         rec.Remaining(),
		Membership:        rec.Tier,
		NextBillingDate:   rec.BillingCycleEnd,
		NextCreditRenewal: rec.NextCreditRenewal,
	}
}

func (m *Manager) getRecord(ctx context.Context, accountID string) (*Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	defer cancel()
	return m.storage.GetRecord(opCtx, accountID)
}

func (m *Manager) putRecord(ctx context.Context, rec *Record) error {
	opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	defer cancel()
	return m.storage.PutRecord(opCtx, rec)
}

// resolvePeriod prefers provider-supplied renewal timestamps and falls back
// to deriving the cycle from the plan duration.
func resolvePeriod(duration PlanDuration, start, end *time.Time, now time.Time) (time.Time, time.Time) {
	if start != nil && end != nil {
		return start.UTC(), end.UTC()
	}
	if start != nil {
		_, derivedEnd := billingCycle(duration, *start)
		return start.UTC(), derivedEnd
	}
	return billingCycle(duration, now)
}
