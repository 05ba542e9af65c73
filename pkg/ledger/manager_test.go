package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewise/entitlement/pkg/ledger"
	"github.com/notewise/entitlement/storage/memory"
)

// testClock is an injectable time source; tests advance it to cross cycle
// boundaries without sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingMetrics records how often each metric hook fired.
type countingMetrics struct {
	mu             sync.Mutex
	rollovers      int
	downgrades     int
	consumes       map[string]int
	claims         map[string]int
	persistRetries map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		consumes:       make(map[string]int),
		claims:         make(map[string]int),
		persistRetries: make(map[string]int),
	}
}

func (m *countingMetrics) RecordRenewalRollover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollovers++
}

func (m *countingMetrics) RecordCycleDowngrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downgrades++
}

func (m *countingMetrics) RecordConsume(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumes[status]++
}

func (m *countingMetrics) RecordClaim(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[status]++
}

func (m *countingMetrics) RecordPersistRetry(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistRetries[op]++
}

func (m *countingMetrics) claimCount(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims[status]
}

func (m *countingMetrics) persistRetryCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistRetries[op]
}

func newTestManager(t *testing.T) (*ledger.Manager, *memory.Storage, *testClock) {
	t.Helper()
	storage := memory.New()
	clock := newTestClock()
	manager, err := ledger.NewManager(storage, ledger.Config{
		RetryBaseDelay: time.Millisecond,
		Now:            clock.Now,
	})
	require.NoError(t, err)
	return manager, storage, clock
}

func TestNewManager_RequiresStorage(t *testing.T) {
	_, err := ledger.NewManager(nil, ledger.Config{})
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
}

func TestBalance_BootstrapsFreeRecord(t *testing.T) {
	manager, storage, clock := newTestManager(t)
	ctx := context.Background()

	balance, err := manager.Balance(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance.Total)
	assert.Equal(t, 0, balance.Used)
	assert.Equal(t, 5, balance.Remaining)
	assert.Equal(t, ledger.TierFree, balance.Membership)
	require.NotNil(t, balance.NextCreditRenewal)
	assert.Equal(t, clock.Now().Add(28*24*time.Hour), *balance.NextCreditRenewal)

	// The bootstrap is persisted, not synthesized per call.
	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, rec.Status)
}

func TestConsume(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Consume(ctx, "acct_1", -1)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	balance, err := manager.Consume(ctx, "acct_1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Used)

	balance, err = manager.Consume(ctx, "acct_1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, balance.Used)
	assert.Equal(t, 2, balance.Remaining)

	// Over the remaining allowance: rejected, balance untouched.
	balance, err = manager.Consume(ctx, "acct_1", 3)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	require.NotNil(t, balance)
	assert.Equal(t, 3, balance.Used)

	balance, err = manager.Consume(ctx, "acct_1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Remaining)

	_, err = manager.Consume(ctx, "acct_1", 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

func TestApplyPaymentSucceeded_PromotesAndConverges(t *testing.T) {
	manager, storage, clock := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Consume(ctx, "acct_1", 4)
	require.NoError(t, err)

	up := ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Email:        "user@example.com",
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		MembershipID: "mem_1",
		PlanDuration: ledger.DurationMonthly,
	}
	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, up))

	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierPro, rec.Tier)
	assert.Equal(t, 1000, rec.UsageCredits)
	assert.Equal(t, 0, rec.UsedCredits)
	assert.Equal(t, ledger.StatusActive, rec.Status)
	assert.Equal(t, "user@example.com", rec.Email)
	require.NotNil(t, rec.BillingCycleEnd)
	assert.Equal(t, clock.Now().Add(30*24*time.Hour), *rec.BillingCycleEnd)
	require.NotNil(t, rec.NextCreditRenewal)
	assert.Equal(t, clock.Now().Add(28*24*time.Hour), *rec.NextCreditRenewal)

	// Redelivery of the same event converges on the same state.
	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, up))
	again, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, rec, again)
}

func TestApplyPaymentSucceeded_ProviderPeriodWins(t *testing.T) {
	manager, storage, _ := newTestManager(t)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Provider:     ledger.ProviderStripe,
		PlanDuration: ledger.DurationYearly,
		PeriodStart:  &start,
		PeriodEnd:    &end,
	}))

	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, start, *rec.BillingCycleStart)
	assert.Equal(t, end, *rec.BillingCycleEnd)
}

func TestApplyPaymentSucceeded_CreatesMissingRecord(t *testing.T) {
	manager, storage, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_new",
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
	}))

	rec, err := storage.GetRecord(ctx, "acct_new")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierPro, rec.Tier)
}

func TestApplyPaymentFailed(t *testing.T) {
	manager, storage, _ := newTestManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, manager.ApplyPaymentFailed(ctx, "acct_missing"), ledger.ErrRecordNotFound)

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
	}))
	require.NoError(t, manager.ApplyPaymentFailed(ctx, "acct_1"))

	// Status only; tier and credits survive until the membership actually
	// goes invalid.
	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaymentFailed, rec.Status)
	assert.Equal(t, ledger.TierPro, rec.Tier)
	assert.Equal(t, 1000, rec.UsageCredits)
}

func TestApplyMembershipInvalidated_PreservesBalance(t *testing.T) {
	manager, storage, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
	}))
	_, err := manager.Consume(ctx, "acct_1", 100)
	require.NoError(t, err)

	require.NoError(t, manager.ApplyMembershipInvalidated(ctx, "acct_1"))

	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierFree, rec.Tier)
	assert.Equal(t, ledger.StatusCanceled, rec.Status)
	assert.Empty(t, rec.PlanDuration)
	assert.Equal(t, 1000, rec.UsageCredits)
	assert.Equal(t, 100, rec.UsedCredits)
}

func TestBalance_DowngradeAfterBillingCycleEnd(t *testing.T) {
	manager, _, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
	}))
	_, err := manager.Consume(ctx, "acct_1", 100)
	require.NoError(t, err)
	require.NoError(t, manager.ApplyMembershipInvalidated(ctx, "acct_1"))

	// Inside the paid-for cycle: balance untouched.
	balance, err := manager.Balance(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, 1000, balance.Total)
	assert.Equal(t, 100, balance.Used)

	// Past the cycle end: clamped to the free allotment.
	clock.Advance(31 * 24 * time.Hour)
	balance, err = manager.Balance(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance.Total)
	assert.Equal(t, 0, balance.Used)
	assert.Equal(t, ledger.TierFree, balance.Membership)
}

func TestBalance_CreditRenewalRollover(t *testing.T) {
	manager, _, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationYearly,
	}))
	_, err := manager.Consume(ctx, "acct_1", 900)
	require.NoError(t, err)

	// Cross the 28-day renewal boundary, well inside the yearly cycle: the
	// used counter resets and the pro allotment stays.
	clock.Advance(29 * 24 * time.Hour)
	balance, err := manager.Balance(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, 1000, balance.Total)
	assert.Equal(t, 0, balance.Used)
	assert.Equal(t, ledger.TierPro, balance.Membership)
	require.NotNil(t, balance.NextCreditRenewal)
	assert.Equal(t, clock.Now().Add(28*24*time.Hour), *balance.NextCreditRenewal)
}

func TestFindAccountByCustomerID(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.FindAccountByCustomerID(ctx, ledger.ProviderWhop, "")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		PlanDuration: ledger.DurationMonthly,
	}))

	accountID, err := manager.FindAccountByCustomerID(ctx, ledger.ProviderWhop, "user_123")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", accountID)

	_, err = manager.FindAccountByCustomerID(ctx, ledger.ProviderStripe, "user_123")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
}

func TestRecordByEmail(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Email:        "user@example.com",
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
	}))

	rec, err := manager.RecordByEmail(ctx, "USER@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", rec.AccountID)
}
