package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewise/entitlement/pkg/ledger"
)

func TestUpsertPending(t *testing.T) {
	manager, storage, clock := newTestManager(t)
	ctx := context.Background()

	_, err := manager.UpsertPending(ctx, ledger.PendingUpdate{})
	assert.Error(t, err)

	p, err := manager.UpsertPending(ctx, ledger.PendingUpdate{
		Email:        "buyer@example.com",
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		PlanDuration: ledger.DurationMonthly,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.Token, "a claim token is generated when the provider supplied none")
	assert.Equal(t, 1000, p.UsageCredits)
	assert.False(t, p.Claimed)
	require.NotNil(t, p.NextCreditRenewal)
	assert.Equal(t, clock.Now().Add(28*24*time.Hour), *p.NextCreditRenewal)

	// Redelivery updates the same row and keeps the original token.
	token := p.Token
	p2, err := manager.UpsertPending(ctx, ledger.PendingUpdate{
		Email:        "buyer@example.com",
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		PlanDuration: ledger.DurationYearly,
	})
	require.NoError(t, err)
	assert.Equal(t, token, p2.Token)
	assert.Equal(t, ledger.DurationYearly, p2.PlanDuration)

	stored, err := storage.GetPendingPurchase(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, ledger.DurationYearly, stored.PlanDuration)
}

func TestUpsertPending_ProviderToken(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	p, err := manager.UpsertPending(ctx, ledger.PendingUpdate{
		Email:        "buyer@example.com",
		Token:        "tok_from_checkout",
		Provider:     ledger.ProviderStripe,
		PlanDuration: ledger.DurationMonthly,
	})
	require.NoError(t, err)
	assert.Equal(t, "tok_from_checkout", p.Token)
}

func TestClaim(t *testing.T) {
	manager, storage, clock := newTestManager(t)
	ctx := context.Background()

	// Nothing parked for this email.
	err := manager.Claim(ctx, ledger.ClaimRequest{AccountID: "acct_1", Email: "buyer@example.com"})
	assert.ErrorIs(t, err, ledger.ErrPendingNotFound)

	p, err := manager.UpsertPending(ctx, ledger.PendingUpdate{
		Email:        "buyer@example.com",
		Provider:     ledger.ProviderWhop,
		CustomerID:   "user_123",
		MembershipID: "mem_1",
		PlanDuration: ledger.DurationMonthly,
	})
	require.NoError(t, err)

	require.NoError(t, manager.Claim(ctx, ledger.ClaimRequest{
		AccountID: "acct_1",
		Email:     "buyer@example.com",
		Token:     p.Token,
	}))

	rec, err := storage.GetRecord(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierPro, rec.Tier)
	assert.Equal(t, 1000, rec.UsageCredits)
	assert.Equal(t, "buyer@example.com", rec.Email)
	assert.Equal(t, "user_123", rec.CustomerID)
	assert.Equal(t, ledger.StatusActive, rec.Status)

	// The pending row survives as an audit trail, marked claimed.
	stored, err := storage.GetPendingPurchase(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.True(t, stored.Claimed)
	assert.Equal(t, "acct_1", stored.ClaimedBy)
	require.NotNil(t, stored.ClaimedAt)
	assert.Equal(t, clock.Now(), *stored.ClaimedAt)
}

func TestClaim_SingleUse(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	p, err := manager.UpsertPending(ctx, ledger.PendingUpdate{
		Email:        "buyer@example.com",
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
	})
	require.NoError(t, err)

	req := ledger.ClaimRequest{AccountID: "acct_1", Email: "buyer@example.com", Token: p.Token}
	require.NoError(t, manager.Claim(ctx, req))

	// Same account again: a no-op, not an error.
	require.NoError(t, manager.Claim(ctx, req))

	// A different account cannot take the same purchase.
	err = manager.Claim(ctx, ledger.ClaimRequest{
		AccountID: "acct_2",
		Email:     "buyer@example.com",
		Token:     p.Token,
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyClaimed)
}

func TestClaim_TokenMismatch(t *testing.T) {
	manager, storage, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.UpsertPending(ctx, ledger.PendingUpdate{
		Email:        "buyer@example.com",
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
	})
	require.NoError(t, err)

	err = manager.Claim(ctx, ledger.ClaimRequest{
		AccountID: "acct_1",
		Email:     "buyer@example.com",
		Token:     "wrong",
	})
	assert.ErrorIs(t, err, ledger.ErrClaimTokenMismatch)

	// The failed attempt must not consume the purchase.
	stored, err := storage.GetPendingPurchase(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.False(t, stored.Claimed)
}

func TestClaim_ProAccountIsNoop(t *testing.T) {
	manager, storage, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:    "acct_1",
		Provider:     ledger.ProviderStripe,
		PlanDuration: ledger.DurationMonthly,
	}))
	_, err := manager.UpsertPending(ctx, ledger.PendingUpdate{
		Email:        "buyer@example.com",
		Provider:     ledger.ProviderWhop,
		PlanDuration: ledger.DurationMonthly,
	})
	require.NoError(t, err)

	require.NoError(t, manager.Claim(ctx, ledger.ClaimRequest{
		AccountID: "acct_1",
		Email:     "buyer@example.com",
	}))

	// The pending row is untouched; someone else may still own it.
	stored, err := storage.GetPendingPurchase(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.False(t, stored.Claimed)
}
