// Package firestore provides a Firestore implementation of the ledger.Storage
// interface. Records live in one document per account; email and
// provider-customer lookups run as single-field queries, so the default index
// set is sufficient.
package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/notewise/entitlement/pkg/ledger"
)

// Storage implements ledger.Storage using Google Cloud Firestore
type Storage struct {
	client            *firestore.Client
	recordsCollection string
	pendingCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// RecordsCollection is the Firestore collection for entitlement records
	// Default: "entitlement_records"
	RecordsCollection string

	// PendingCollection is the Firestore collection for pending purchases
	// Default: "pending_purchases"
	PendingCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.RecordsCollection == "" {
		config.RecordsCollection = "entitlement_records"
	}
	if config.PendingCollection == "" {
		config.PendingCollection = "pending_purchases"
	}

	return &Storage{
		client:            client,
		recordsCollection: config.RecordsCollection,
		pendingCollection: config.PendingCollection,
	}, nil
}

// Ping implements ledger.Storage. Firestore has no dedicated health endpoint;
// a bounded read against the records collection stands in for one.
func (s *Storage) Ping(ctx context.Context) error {
	iter := s.client.Collection(s.recordsCollection).Limit(1).Documents(ctx)
	defer iter.Stop()

	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("failed to ping firestore: %w", err)
	}
	return nil
}

// GetRecord implements ledger.Storage
func (s *Storage) GetRecord(ctx context.Context, accountID string) (*ledger.Record, error) {
	snap, err := s.client.Collection(s.recordsCollection).Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if !snap.Exists() {
		return nil, ledger.ErrRecordNotFound
	}
	return recordFromDoc(accountID, snap.Data()), nil
}

// GetRecordByEmail implements ledger.Storage
func (s *Storage) GetRecordByEmail(ctx context.Context, email string) (*ledger.Record, error) {
	iter := s.client.Collection(s.recordsCollection).
		Where("email", "==", normalizeEmail(email)).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record by email: %w", err)
	}
	return recordFromDoc(snap.Ref.ID, snap.Data()), nil
}

// FindRecordByCustomerID implements ledger.Storage
func (s *Storage) FindRecordByCustomerID(
	ctx context.Context, provider ledger.PaymentProvider, customerID string,
) (*ledger.Record, error) {
	if customerID == "" {
		return nil, ledger.ErrRecordNotFound
	}

	iter := s.client.Collection(s.recordsCollection).
		Where("provider", "==", string(provider)).
		Where("customerId", "==", customerID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record by customer id: %w", err)
	}
	return recordFromDoc(snap.Ref.ID, snap.Data()), nil
}

// PutRecord implements ledger.Storage. The document is fully replaced, not
// merged; partial updates would hide the overwrite semantics callers rely on.
func (s *Storage) PutRecord(ctx context.Context, rec *ledger.Record) error {
	if rec == nil || rec.AccountID == "" {
		return fmt.Errorf("invalid record")
	}

	data := map[string]interface{}{
		"email":          normalizeEmail(rec.Email),
		"tier":           string(rec.Tier),
		"provider":       string(rec.Provider),
		"customerId":     rec.CustomerID,
		"subscriptionId": rec.SubscriptionID,
		"membershipId":   rec.MembershipID,
		"planDuration":   string(rec.PlanDuration),
		"usageCredits":   rec.UsageCredits,
		"usedCredits":    rec.UsedCredits,
		"status":         string(rec.Status),
		"createdAt":      rec.CreatedAt,
		"updatedAt":      rec.UpdatedAt,
	}
	putOptionalTime(data, "billingCycleStart", rec.BillingCycleStart)
	putOptionalTime(data, "billingCycleEnd", rec.BillingCycleEnd)
	putOptionalTime(data, "nextCreditRenewal", rec.NextCreditRenewal)

	_, err := s.client.Collection(s.recordsCollection).Doc(rec.AccountID).Set(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

// GetPendingPurchase implements ledger.Storage
func (s *Storage) GetPendingPurchase(ctx context.Context, email string) (*ledger.PendingPurchase, error) {
	snap, err := s.client.Collection(s.pendingCollection).Doc(normalizeEmail(email)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ledger.ErrPendingNotFound
		}
		return nil, fmt.Errorf("failed to get pending purchase: %w", err)
	}
	if !snap.Exists() {
		return nil, ledger.ErrPendingNotFound
	}
	return pendingFromDoc(snap.Data()), nil
}

// PutPendingPurchase implements ledger.Storage
func (s *Storage) PutPendingPurchase(ctx context.Context, p *ledger.PendingPurchase) error {
	if p == nil || p.Email == "" {
		return fmt.Errorf("invalid pending purchase")
	}

	data := map[string]interface{}{
		"email":          normalizeEmail(p.Email),
		"token":          p.Token,
		"provider":       string(p.Provider),
		"customerId":     p.CustomerID,
		"subscriptionId": p.SubscriptionID,
		"membershipId":   p.MembershipID,
		"planDuration":   string(p.PlanDuration),
		"usageCredits":   p.UsageCredits,
		"usedCredits":    p.UsedCredits,
		"claimed":        p.Claimed,
		"claimedBy":      p.ClaimedBy,
		"createdAt":      p.CreatedAt,
		"updatedAt":      p.UpdatedAt,
	}
	putOptionalTime(data, "billingCycleStart", p.BillingCycleStart)
	putOptionalTime(data, "billingCycleEnd", p.BillingCycleEnd)
	putOptionalTime(data, "nextCreditRenewal", p.NextCreditRenewal)
	putOptionalTime(data, "claimedAt", p.ClaimedAt)

	_, err := s.client.Collection(s.pendingCollection).Doc(normalizeEmail(p.Email)).Set(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to put pending purchase: %w", err)
	}
	return nil
}

// Document mapping helpers

func recordFromDoc(accountID string, data map[string]interface{}) *ledger.Record {
	rec := &ledger.Record{
		AccountID:      accountID,
		Email:          getString(data, "email"),
		Tier:           ledger.Tier(getString(data, "tier")),
		Provider:       ledger.PaymentProvider(getString(data, "provider")),
		CustomerID:     getString(data, "customerId"),
		SubscriptionID: getString(data, "subscriptionId"),
		MembershipID:   getString(data, "membershipId"),
		PlanDuration:   ledger.PlanDuration(getString(data, "planDuration")),
		UsageCredits:   getInt(data, "usageCredits"),
		UsedCredits:    getInt(data, "usedCredits"),
		Status:         ledger.Status(getString(data, "status")),
		CreatedAt:      getTime(data, "createdAt"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}
	rec.BillingCycleStart = getOptionalTime(data, "billingCycleStart")
	rec.BillingCycleEnd = getOptionalTime(data, "billingCycleEnd")
	rec.NextCreditRenewal = getOptionalTime(data, "nextCreditRenewal")
	return rec
}

func pendingFromDoc(data map[string]interface{}) *ledger.PendingPurchase {
	p := &ledger.PendingPurchase{
		Email:          getString(data, "email"),
		Token:          getString(data, "token"),
		Provider:       ledger.PaymentProvider(getString(data, "provider")),
		CustomerID:     getString(data, "customerId"),
		SubscriptionID: getString(data, "subscriptionId"),
		MembershipID:   getString(data, "membershipId"),
		PlanDuration:   ledger.PlanDuration(getString(data, "planDuration")),
		UsageCredits:   getInt(data, "usageCredits"),
		UsedCredits:    getInt(data, "usedCredits"),
		ClaimedBy:      getString(data, "claimedBy"),
		CreatedAt:      getTime(data, "createdAt"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}
	if claimed, ok := data["claimed"].(bool); ok {
		p.Claimed = claimed
	}
	p.BillingCycleStart = getOptionalTime(data, "billingCycleStart")
	p.BillingCycleEnd = getOptionalTime(data, "billingCycleEnd")
	p.NextCreditRenewal = getOptionalTime(data, "nextCreditRenewal")
	p.ClaimedAt = getOptionalTime(data, "claimedAt")
	return p
}

func putOptionalTime(data map[string]interface{}, key string, t *time.Time) {
	if t != nil {
		data[key] = *t
	}
}

func getString(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if t, ok := data[key].(time.Time); ok {
		return t
	}
	return time.Time{}
}

func getOptionalTime(data map[string]interface{}, key string) *time.Time {
	if t, ok := data[key].(time.Time); ok && !t.IsZero() {
		return &t
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
