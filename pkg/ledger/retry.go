package ledger

import (
	"context"
	"time"
)

// persistWithRetry writes a record with the bounded reconciliation retry
// policy: up to RetryAttempts attempts with exponential backoff on the
// persistence call only. After exhaustion the error is returned for the
// caller to log; the event is best-effort applied, never queued for later.
//
// Once a state transition starts it runs to completion or exhausts its
// retries; the backoff sleep deliberately ignores caller cancellation.
func (m *Manager) persistWithRetry(ctx context.Context, op string, rec *Record) error {
	var err error
	delay := m.config.RetryBaseDelay

	for attempt := 1; attempt <= m.config.RetryAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
		err = m.storage.PutRecord(opCtx, rec)
		cancel()
		if err == nil {
			return nil
		}

		m.config.Metrics.RecordPersistRetry(op)
		m.config.Logger.Warn("persistence attempt failed",
			Field{Key: "op", Value: op},
			Field{Key: "account_id", Value: rec.AccountID},
			Field{Key: "attempt", Value: attempt},
			Field{Key: "error", Value: err.Error()})

		if attempt < m.config.RetryAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}

	return err
}

// persistPendingWithRetry is the same policy for pending purchase rows.
func (m *Manager) persistPendingWithRetry(ctx context.Context, op string, p *PendingPurchase) error {
	var err error
	delay := m.config.RetryBaseDelay

	for attempt := 1; attempt <= m.config.RetryAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
		err = m.storage.PutPendingPurchase(opCtx, p)
		cancel()
		if err == nil {
			return nil
		}

		m.config.Metrics.RecordPersistRetry(op)
		m.config.Logger.Warn("persistence attempt failed",
			Field{Key: "op", Value: op},
			Field{Key: "email", Value: p.Email},
			Field{Key: "attempt", Value: attempt},
			Field{Key: "error", Value: err.Error()})

		if attempt < m.config.RetryAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}

	return err
}
