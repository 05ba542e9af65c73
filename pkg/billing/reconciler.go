package billing

import (
	"context"
	"errors"
	"time"

	"github.com/notewise/entitlement/pkg/ledger"
)

// Reconciler is the event ingestion gate. It owns the dispatch from
// translated provider events to ledger mutations.
//
// The gate never reports failure upstream: webhook transport is
// at-least-once, so signalling an error would trigger provider redelivery
// and duplicate-processing pressure. A failure in reconciling one event is
// logged and swallowed, and must never take down the gate for subsequent
// events. The accepted tradeoff is silent event loss while the datastore is
// down (the health probe skips processing but the delivery is still acked).
type Reconciler struct {
	manager *ledger.Manager
	logger  ledger.Logger
	metrics Metrics
}

// ReconcilerConfig holds reconciler dependencies. All dependencies are
// explicit; there are no ambient singletons.
type ReconcilerConfig struct {
	// Manager is the ledger manager mutated by event handlers (required).
	Manager *ledger.Manager

	// Logger is used for structured logging (default: NoopLogger).
	Logger ledger.Logger

	// Metrics tracks webhook processing outcomes (default: NoopMetrics).
	Metrics Metrics
}

// NewReconciler creates the ingestion gate.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Manager == nil {
		return nil, ErrProviderNotConfigured
	}
	if config.Logger == nil {
		config.Logger = &ledger.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Reconciler{
		manager: config.Manager,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Handle applies one provider event to the ledger. It never returns an
// error and never panics: the caller acknowledges the delivery regardless.
func (r *Reconciler) Handle(ctx context.Context, providerName string, ev Event) {
	start := time.Now()
	eventType := ev.EventType()
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while reconciling event",
				ledger.Field{Key: "provider", Value: providerName},
				ledger.Field{Key: "event_type", Value: eventType},
				ledger.Field{Key: "panic", Value: rec})
			r.metrics.RecordWebhookError(providerName, "panic")
		}
		r.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	}()

	// Datastore health probe. Unavailable means skip processing but still
	// ack: redelivery storms during an outage are worse than losing events.
	if err := r.manager.Ping(ctx); err != nil {
		r.logger.Warn("datastore unavailable, skipping event",
			ledger.Field{Key: "provider", Value: providerName},
			ledger.Field{Key: "event_type", Value: eventType},
			ledger.Field{Key: "error", Value: err.Error()})
		r.metrics.RecordWebhookEvent(providerName, eventType, "skipped")
		return
	}

	var err error
	switch e := ev.(type) {
	case *PaymentSucceeded:
		err = r.handlePaymentSucceeded(ctx, e)
	case *PaymentFailed:
		err = r.handlePaymentFailed(ctx, e)
	case *MembershipInvalidated:
		err = r.handleMembershipInvalidated(ctx, e)
	default:
		// Unknown event type - ignore silently
		r.metrics.RecordWebhookEvent(providerName, eventType, "success")
		return
	}

	if err != nil {
		r.logger.Error("failed to reconcile event",
			ledger.Field{Key: "provider", Value: providerName},
			ledger.Field{Key: "event_type", Value: eventType},
			ledger.Field{Key: "error", Value: err.Error()})
		r.metrics.RecordWebhookEvent(providerName, eventType, "error")
		r.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}

	r.metrics.RecordWebhookEvent(providerName, eventType, "success")
}

// handlePaymentSucceeded classifies the event as frictionless (email only,
// no resolvable account) vs authenticated, then applies the pro grant.
func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, e *PaymentSucceeded) error {
	accountID, resolved := e.Metadata.AccountID()

	email := e.Email
	if email == "" {
		email = e.Metadata.Email()
	}

	duration := e.PlanDuration
	if duration == "" {
		duration = e.Metadata.PlanDuration()
	}

	frictionless := e.Metadata.Unauthenticated() || (!resolved && email != "")
	if frictionless && !resolved {
		// A ledger row already carrying this email means the purchaser has
		// an account after all; update it directly instead of parking the
		// purchase.
		rec, err := r.manager.RecordByEmail(ctx, email)
		switch {
		case err == nil && rec.AccountID != "":
			accountID = rec.AccountID
			resolved = true
		case err != nil && !errors.Is(err, ledger.ErrRecordNotFound):
			return err
		default:
			_, err := r.manager.UpsertPending(ctx, ledger.PendingUpdate{
				Email:          email,
				Token:          e.Metadata.Token(),
				Provider:       e.Provider,
				CustomerID:     e.CustomerID,
				SubscriptionID: e.SubscriptionID,
				MembershipID:   e.MembershipID,
				PlanDuration:   duration,
				PeriodStart:    e.PeriodStart,
				PeriodEnd:      e.PeriodEnd,
			})
			return err
		}
	}

	if !resolved {
		// No safe default account to charge: drop.
		r.logger.Warn("payment succeeded but no account could be resolved, dropping event",
			ledger.Field{Key: "provider", Value: string(e.Provider)},
			ledger.Field{Key: "customer_id", Value: e.CustomerID})
		r.metrics.RecordWebhookError(string(e.Provider), "identity_unresolved")
		return nil
	}

	return r.manager.ApplyPaymentSucceeded(ctx, ledger.PaymentUpdate{
		AccountID:      accountID,
		Email:          email,
		Provider:       e.Provider,
		CustomerID:     e.CustomerID,
		SubscriptionID: e.SubscriptionID,
		MembershipID:   e.MembershipID,
		PlanDuration:   duration,
		PeriodStart:    e.PeriodStart,
		PeriodEnd:      e.PeriodEnd,
	})
}

// handlePaymentFailed marks the account payment_failed, resolving identity
// from metadata first and the provider-customer secondary index second.
func (r *Reconciler) handlePaymentFailed(ctx context.Context, e *PaymentFailed) error {
	accountID, err := r.resolveAccount(ctx, e.Metadata, e.Provider, e.CustomerID)
	if err != nil {
		return err
	}
	if accountID == "" {
		// Failure state cannot be applied to an unknown account.
		r.logger.Warn("payment failed but no account could be resolved, dropping event",
			ledger.Field{Key: "provider", Value: string(e.Provider)},
			ledger.Field{Key: "customer_id", Value: e.CustomerID})
		r.metrics.RecordWebhookError(string(e.Provider), "identity_unresolved")
		return nil
	}

	err = r.manager.ApplyPaymentFailed(ctx, accountID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		r.logger.Warn("payment failed for account without a ledger row, dropping event",
			ledger.Field{Key: "account_id", Value: accountID})
		return nil
	}
	return err
}

// handleMembershipInvalidated downgrades to free while preserving credits.
func (r *Reconciler) handleMembershipInvalidated(ctx context.Context, e *MembershipInvalidated) error {
	accountID, err := r.resolveAccount(ctx, e.Metadata, e.Provider, e.CustomerID)
	if err != nil {
		return err
	}
	if accountID == "" {
		r.logger.Warn("membership invalidated but no account could be resolved, dropping event",
			ledger.Field{Key: "provider", Value: string(e.Provider)},
			ledger.Field{Key: "customer_id", Value: e.CustomerID})
		r.metrics.RecordWebhookError(string(e.Provider), "identity_unresolved")
		return nil
	}

	err = r.manager.ApplyMembershipInvalidated(ctx, accountID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		r.logger.Warn("membership invalidated for account without a ledger row, dropping event",
			ledger.Field{Key: "account_id", Value: accountID})
		return nil
	}
	return err
}

// resolveAccount applies the identity precedence: metadata locations first,
// then the provider-customer secondary index. Returns "" when neither path
// resolves; a real storage error is returned as such.
func (r *Reconciler) resolveAccount(ctx context.Context, md Metadata, provider ledger.PaymentProvider, customerID string) (string, error) {
	if accountID, ok := md.AccountID(); ok {
		return accountID, nil
	}
	if customerID == "" {
		return "", nil
	}
	accountID, err := r.manager.FindAccountByCustomerID(ctx, provider, customerID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}
