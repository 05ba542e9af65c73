package ledger

// Metrics defines the interface for tracking ledger operations.
// All methods are optional - the manager gracefully handles nil metrics.
type Metrics interface {
	// RecordRenewalRollover records a credit-renewal rollover applied by a
	// just-in-time check.
	RecordRenewalRollover()

	// RecordCycleDowngrade records a post-cancellation downgrade applied by
	// a just-in-time check.
	RecordCycleDowngrade()

	// RecordConsume records a credit consumption attempt.
	// status: "ok", "insufficient", or "error"
	RecordConsume(status string)

	// RecordClaim records a claim attempt outcome.
	// status: "claimed", "noop", "not_found", "already_claimed", "token_mismatch", "error"
	RecordClaim(status string)

	// RecordPersistRetry records a failed persistence attempt that will be retried.
	RecordPersistRetry(op string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordRenewalRollover()      {}
func (n *NoopMetrics) RecordCycleDowngrade()       {}
func (n *NoopMetrics) RecordConsume(_ string)      {}
func (n *NoopMetrics) RecordClaim(_ string)        {}
func (n *NoopMetrics) RecordPersistRetry(_ string) {}
