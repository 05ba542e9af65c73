// Package memory provides an in-memory implementation of the ledger.Storage
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/notewise/entitlement/pkg/ledger"
)

// Storage implements ledger.Storage using in-memory maps
type Storage struct {
	mu      sync.RWMutex
	records map[string]*ledger.Record          // account id -> record
	pending map[string]*ledger.PendingPurchase // email -> pending purchase
	err     error
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records: make(map[string]*ledger.Record),
		pending: make(map[string]*ledger.PendingPurchase),
	}
}

// SetError forces every subsequent operation, Ping included, to return err.
// Pass nil to restore normal operation. Useful for outage tests.
func (s *Storage) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Ping implements ledger.Storage
func (s *Storage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// GetRecord implements ledger.Storage
func (s *Storage) GetRecord(ctx context.Context, accountID string) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}

	rec, ok := s.records[accountID]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}

	// Return a copy to prevent external mutations
	recCopy := *rec
	return &recCopy, nil
}

// GetRecordByEmail implements ledger.Storage
func (s *Storage) GetRecordByEmail(ctx context.Context, email string) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}

	key := emailKey(email)
	for _, rec := range s.records {
		if emailKey(rec.Email) == key && rec.Email != "" {
			recCopy := *rec
			return &recCopy, nil
		}
	}
	return nil, ledger.ErrRecordNotFound
}

// FindRecordByCustomerID implements ledger.Storage
func (s *Storage) FindRecordByCustomerID(ctx context.Context, provider ledger.PaymentProvider, customerID string) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}
	if customerID == "" {
		return nil, ledger.ErrRecordNotFound
	}

	for _, rec := range s.records {
		if rec.Provider == provider && rec.CustomerID == customerID {
			recCopy := *rec
			return &recCopy, nil
		}
	}
	return nil, ledger.ErrRecordNotFound
}

// PutRecord implements ledger.Storage
func (s *Storage) PutRecord(ctx context.Context, rec *ledger.Record) error {
	if rec == nil || rec.AccountID == "" {
		return fmt.Errorf("invalid record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	// Store a copy to prevent external mutations
	recCopy := *rec
	s.records[rec.AccountID] = &recCopy
	return nil
}

// GetPendingPurchase implements ledger.Storage
func (s *Storage) GetPendingPurchase(ctx context.Context, email string) (*ledger.PendingPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}

	p, ok := s.pending[emailKey(email)]
	if !ok {
		return nil, ledger.ErrPendingNotFound
	}

	pCopy := *p
	return &pCopy, nil
}

// PutPendingPurchase implements ledger.Storage
func (s *Storage) PutPendingPurchase(ctx context.Context, p *ledger.PendingPurchase) error {
	if p == nil || p.Email == "" {
		return fmt.Errorf("invalid pending purchase")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	pCopy := *p
	s.pending[emailKey(p.Email)] = &pCopy
	return nil
}

// emailKey normalizes the email map key; addresses differing only in case
// refer to the same row.
func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*ledger.Record)
	s.pending = make(map[string]*ledger.PendingPurchase)
}
