package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewise/entitlement/pkg/billing"
	"github.com/notewise/entitlement/pkg/ledger"
	"github.com/notewise/entitlement/storage/memory"
)

func newTestReconciler(t *testing.T) (*billing.Reconciler, *ledger.Manager, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	manager, err := ledger.NewManager(storage, ledger.Config{RetryBaseDelay: time.Millisecond})
	require.NoError(t, err)
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{Manager: manager})
	require.NoError(t, err)
	return reconciler, manager, storage
}

func TestNewReconciler_RequiresManager(t *testing.T) {
	_, err := billing.NewReconciler(billing.ReconcilerConfig{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestHandle_AuthenticatedPaymentSucceeded(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()

	reconciler.Handle(ctx, "whop", &billing.PaymentSucceeded{
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		PlanDuration: ledger.DurationMonthly,
		Metadata: billing.Metadata{
			Custom: map[string]interface{}{"userId": "acct_1"},
		},
	})

	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierPro, rec.Tier)
	assert.Equal(t, "user_123", rec.CustomerID)
	assert.Equal(t, 1000, rec.UsageCredits)
}

func TestHandle_FrictionlessPaymentParksPending(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()

	reconciler.Handle(ctx, "whop", &billing.PaymentSucceeded{
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		PlanDuration: ledger.DurationMonthly,
		Metadata: billing.Metadata{
			Checkout: map[string]interface{}{
				"email":           "buyer@example.com",
				"token":           "tok_abc",
				"unauthenticated": "true",
			},
		},
	})

	p, err := storage.GetPendingPurchase(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", p.Token)
	assert.Equal(t, 1000, p.UsageCredits)
	assert.False(t, p.Claimed)

	// No ledger row materializes until the purchase is claimed.
	_, err = storage.GetRecordByEmail(ctx, "buyer@example.com")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
}

func TestHandle_FrictionlessPaymentMergesIntoExistingAccount(t *testing.T) {
	reconciler, manager, storage := newTestReconciler(t)
	ctx := context.Background()

	// The purchaser already has an account under this email.
	_, err := manager.EnsureRecord(ctx, "acct_1", "buyer@example.com")
	require.NoError(t, err)

	reconciler.Handle(ctx, "whop", &billing.PaymentSucceeded{
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		PlanDuration: ledger.DurationMonthly,
		Metadata: billing.Metadata{
			Checkout: map[string]interface{}{
				"email":           "buyer@example.com",
				"unauthenticated": "true",
			},
		},
	})

	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierPro, rec.Tier)

	_, err = storage.GetPendingPurchase(ctx, "buyer@example.com")
	assert.ErrorIs(t, err, ledger.ErrPendingNotFound, "no pending row when the account was matched directly")
}

func TestHandle_EmailOnlyPaymentWithoutFlagIsFrictionless(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()

	// No account reference, no unauthenticated flag, but an email: treated
	// as a frictionless purchase rather than dropped.
	reconciler.Handle(ctx, "stripe", &billing.PaymentSucceeded{
		Provider:     ledger.ProviderStripe,
		CustomerID:   "cus_123",
		Email:        "buyer@example.com",
		PlanDuration: ledger.DurationMonthly,
	})

	_, err := storage.GetPendingPurchase(ctx, "buyer@example.com")
	require.NoError(t, err)
}

func TestHandle_UnresolvablePaymentIsDropped(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()

	reconciler.Handle(ctx, "whop", &billing.PaymentSucceeded{
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_unknown",
		PlanDuration: ledger.DurationMonthly,
	})

	_, err := storage.FindRecordByCustomerID(ctx, ledger.ProviderWhop, "user_unknown")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
}

func TestHandle_PaymentFailedViaSecondaryIndex(t *testing.T) {
	reconciler, manager, storage := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		PlanDuration: ledger.DurationMonthly,
	}))

	// The failure event carries no metadata; identity resolves through the
	// provider-customer index.
	reconciler.Handle(ctx, "whop", &billing.PaymentFailed{
		Provider:   ledger.ProviderWhop,
		CustomerID: "user_123",
	})

	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaymentFailed, rec.Status)
	assert.Equal(t, ledger.TierPro, rec.Tier)
}

func TestHandle_PaymentFailedUnresolvableIsDropped(t *testing.T) {
	reconciler, _, _ := newTestReconciler(t)

	// Must not panic or error; there is simply nothing to mark.
	reconciler.Handle(context.Background(), "whop", &billing.PaymentFailed{
		Provider:   ledger.ProviderWhop,
		CustomerID: "user_unknown",
	})
}

func TestHandle_MembershipInvalidated(t *testing.T) {
	reconciler, manager, storage := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		PlanDuration: ledger.DurationMonthly,
	}))
	_, err := manager.Consume(ctx, "acct_1", 50)
	require.NoError(t, err)

	reconciler.Handle(ctx, "whop", &billing.MembershipInvalidated{
		Provider:   ledger.ProviderWhop,
		CustomerID: "user_123",
	})

	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierFree, rec.Tier)
	assert.Equal(t, ledger.StatusCanceled, rec.Status)
	assert.Equal(t, 1000, rec.UsageCredits, "balance survives until the cycle ends")
	assert.Equal(t, 50, rec.UsedCredits)
}

func TestHandle_SkipsProcessingWhenStorageDown(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()

	storage.SetError(errors.New("connection refused"))

	// Must not panic; the delivery is acked upstream and the event dropped.
	reconciler.Handle(ctx, "whop", &billing.PaymentSucceeded{
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
		Metadata: billing.Metadata{
			Custom: map[string]interface{}{"userId": "acct_1"},
		},
	})

	storage.SetError(nil)
	_, err := storage.GetRecord(ctx, "acct_1")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
}

// panickyMetrics blows up mid-dispatch to prove the gate's recover works.
type panickyMetrics struct {
	billing.NoopMetrics
}

func (m *panickyMetrics) RecordWebhookEvent(_, _, _ string) {
	panic("metrics backend exploded")
}

func TestHandle_SwallowsPanics(t *testing.T) {
	storage := memory.New()
	manager, err := ledger.NewManager(storage, ledger.Config{RetryBaseDelay: time.Millisecond})
	require.NoError(t, err)
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Manager: manager,
		Metrics: &panickyMetrics{},
	})
	require.NoError(t, err)

	// Must return normally; the caller acks the delivery regardless.
	reconciler.Handle(context.Background(), "whop", &billing.PaymentSucceeded{
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
		Metadata: billing.Metadata{
			Custom: map[string]interface{}{"userId": "acct_1"},
		},
	})

	// The mutation itself landed before the panic.
	rec, err := storage.GetRecord(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierPro, rec.Tier)
}

func TestHandle_UnknownEventIgnored(t *testing.T) {
	reconciler, _, _ := newTestReconciler(t)
	reconciler.Handle(context.Background(), "whop", &billing.Unknown{
		Provider: ledger.ProviderWhop,
		Type:     "membership.metadata_updated",
	})
}
