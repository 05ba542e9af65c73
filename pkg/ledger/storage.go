package ledger

import "context"

// Storage defines the interface for entitlement persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// Writes are full-row overwrites, not compare-and-swap: two concurrent
// writers (a webhook handler and a just-in-time check firing in the same
// window) can race, and the later write wins. That is an accepted tradeoff
// for a low-volume per-account record; implementations must not paper over
// it with partial updates.
type Storage interface {
	// Ping probes datastore health. The ingestion gate calls this before
	// processing any event.
	Ping(ctx context.Context) error

	// GetRecord retrieves the entitlement record for an account.
	// Returns ErrRecordNotFound when absent.
	GetRecord(ctx context.Context, accountID string) (*Record, error)

	// GetRecordByEmail retrieves the entitlement record carrying the given
	// email. Returns ErrRecordNotFound when absent.
	GetRecordByEmail(ctx context.Context, email string) (*Record, error)

	// FindRecordByCustomerID looks up a record through the provider-customer
	// secondary index. This is the only sanctioned use of a provider's own
	// customer id. Returns ErrRecordNotFound when absent.
	FindRecordByCustomerID(ctx context.Context, provider PaymentProvider, customerID string) (*Record, error)

	// PutRecord stores the full record, inserting or overwriting.
	PutRecord(ctx context.Context, rec *Record) error

	// GetPendingPurchase retrieves the pending purchase for an email.
	// Returns ErrPendingNotFound when absent.
	GetPendingPurchase(ctx context.Context, email string) (*PendingPurchase, error)

	// PutPendingPurchase stores the full pending purchase row, inserting or
	// overwriting. Rows are never deleted.
	PutPendingPurchase(ctx context.Context, p *PendingPurchase) error
}
