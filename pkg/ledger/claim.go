package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// UpsertPending records a frictionless purchase against an email. An
// existing row is updated in place (overwrite semantics keep duplicate
// deliveries idempotent); otherwise a new unclaimed row is inserted with a
// provider-issued or generated claim token and the pro allotment.
func (m *Manager) UpsertPending(ctx context.Context, up PendingUpdate) (*PendingPurchase, error) {
	if up.Email == "" {
		return nil, fmt.Errorf("pending purchase requires an email")
	}

	now := m.config.Now()
	cycleStart, cycleEnd := resolvePeriod(up.PlanDuration, up.PeriodStart, up.PeriodEnd, now)
	renewal := now.Add(m.config.RenewalInterval)

	p, err := m.getPending(ctx, up.Email)
	if errors.Is(err, ErrPendingNotFound) {
		token := up.Token
		if token == "" {
			token = newClaimToken()
		}
		p = &PendingPurchase{
			Email:     up.Email,
			Token:     token,
			CreatedAt: now,
		}
	} else if err != nil {
		return nil, err
	} else if up.Token != "" {
		p.Token = up.Token
	}

	p.Provider = up.Provider
	p.CustomerID = up.CustomerID
	p.SubscriptionID = up.SubscriptionID
	p.MembershipID = up.MembershipID
	p.PlanDuration = up.PlanDuration
	p.BillingCycleStart = &cycleStart
	p.BillingCycleEnd = &cycleEnd
	p.NextCreditRenewal = &renewal
	p.UsageCredits = m.config.ProCredits
	p.UsedCredits = 0
	p.UpdatedAt = now

	if err := m.persistPendingWithRetry(ctx, "upsert_pending", p); err != nil {
		return nil, err
	}
	return p, nil
}

// Claim merges a pending purchase into an account's entitlement record,
// invoked once right after account creation.
//
// The pending row is never deleted; it is marked claimed and kept as an
// audit trail. A row claimed by a different account fails with
// ErrAlreadyClaimed. A missing row is a normal outcome (ErrPendingNotFound),
// not a fatal error.
func (m *Manager) Claim(ctx context.Context, req ClaimRequest) error {
	// An account that is already pro has nothing to merge.
	rec, err := m.getRecord(ctx, req.AccountID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		m.config.Metrics.RecordClaim("error")
		return err
	}
	if rec != nil && rec.Tier == TierPro {
		m.config.Metrics.RecordClaim("noop")
		return nil
	}

	p, err := m.getPending(ctx, req.Email)
	if errors.Is(err, ErrPendingNotFound) {
		m.config.Metrics.RecordClaim("not_found")
		return ErrPendingNotFound
	}
	if err != nil {
		m.config.Metrics.RecordClaim("error")
		return err
	}

	if p.Claimed && p.ClaimedBy != req.AccountID {
		m.config.Metrics.RecordClaim("already_claimed")
		return ErrAlreadyClaimed
	}
	if req.Token != "" && req.Token != p.Token {
		m.config.Metrics.RecordClaim("token_mismatch")
		return ErrClaimTokenMismatch
	}

	now := m.config.Now()
	if rec == nil {
		rec = &Record{
			AccountID: req.AccountID,
			CreatedAt: now,
		}
	}
	rec.Email = req.Email
	rec.Tier = TierPro
	rec.Provider = p.Provider
	rec.CustomerID = p.CustomerID
	rec.SubscriptionID = p.SubscriptionID
	rec.MembershipID = p.MembershipID
	rec.PlanDuration = p.PlanDuration
	rec.BillingCycleStart = p.BillingCycleStart
	rec.BillingCycleEnd = p.BillingCycleEnd
	rec.NextCreditRenewal = p.NextCreditRenewal
	rec.UsageCredits = p.UsageCredits
	rec.UsedCredits = p.UsedCredits
	rec.Status = StatusActive
	rec.UpdatedAt = now

	if err := m.persistWithRetry(ctx, "claim", rec); err != nil {
		m.config.Metrics.RecordClaim("error")
		return fmt.Errorf("failed to persist claimed record: %w", err)
	}

	p.Claimed = true
	p.ClaimedBy = req.AccountID
	p.ClaimedAt = &now
	p.UpdatedAt = now
	if err := m.persistPendingWithRetry(ctx, "mark_claimed", p); err != nil {
		// The entitlement landed; a stale claimed flag is recoverable on the
		// next claim attempt because ClaimedBy matching this account passes.
		m.config.Logger.Error("failed to mark pending purchase claimed",
			Field{Key: "email", Value: p.Email},
			Field{Key: "error", Value: err.Error()})
	}

	m.config.Metrics.RecordClaim("claimed")
	return nil
}

func (m *Manager) getPending(ctx context.Context, email string) (*PendingPurchase, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	defer cancel()
	return m.storage.GetPendingPurchase(opCtx, email)
}

// newClaimToken returns an opaque claim secret.
func newClaimToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable in practice
		panic(fmt.Sprintf("claim token generation failed: %v", err))
	}
	return hex.EncodeToString(buf)
}
