package ledger

import (
	"testing"
	"time"
)

func TestBillingCycle(t *testing.T) {
	start := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	s, e := billingCycle(DurationMonthly, start)
	if !s.Equal(start) {
		t.Errorf("Expected cycle start %v, got %v", start, s)
	}
	if want := start.Add(30 * 24 * time.Hour); !e.Equal(want) {
		t.Errorf("Expected monthly cycle end %v, got %v", want, e)
	}

	s, e = billingCycle(DurationYearly, start)
	if !s.Equal(start) {
		t.Errorf("Expected cycle start %v, got %v", start, s)
	}
	if want := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC); !e.Equal(want) {
		t.Errorf("Expected yearly cycle end %v, got %v", want, e)
	}

	// An unknown cadence falls back to the monthly window.
	_, e = billingCycle("", start)
	if want := start.Add(30 * 24 * time.Hour); !e.Equal(want) {
		t.Errorf("Expected fallback cycle end %v, got %v", want, e)
	}
}

func TestAddMonthsSafe(t *testing.T) {
	tests := []struct {
		name   string
		start  time.Time
		months int
		want   time.Time
	}{
		{
			name:   "plain",
			start:  time.Date(2025, 1, 15, 8, 30, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2025, 2, 15, 8, 30, 0, 0, time.UTC),
		},
		{
			name:   "jan 31 clips to feb 28",
			start:  time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "jan 31 clips to feb 29 in leap year",
			start:  time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "year wrap",
			start:  time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC),
			months: 3,
			want:   time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "twelve months",
			start:  time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
			months: 12,
			want:   time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := addMonthsSafe(tt.start, tt.months)
			if !got.Equal(tt.want) {
				t.Errorf("addMonthsSafe(%v, %d) = %v, want %v", tt.start, tt.months, got, tt.want)
			}
		})
	}
}

func TestRolloverCreditRenewal(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	interval := 28 * 24 * time.Hour

	// No renewal clock: nothing to do.
	rec := &Record{UsageCredits: 1000, UsedCredits: 500}
	if rolloverCreditRenewal(rec, now, interval) {
		t.Error("Expected no rollover without a renewal clock")
	}

	// Clock still in the future: untouched.
	future := now.Add(time.Hour)
	rec = &Record{UsageCredits: 1000, UsedCredits: 500, NextCreditRenewal: &future}
	if rolloverCreditRenewal(rec, now, interval) {
		t.Error("Expected no rollover before the renewal instant")
	}
	if rec.UsedCredits != 500 {
		t.Errorf("Used counter mutated without a rollover: %d", rec.UsedCredits)
	}

	// Clock passed: used resets, allotment stays, clock advances from now.
	past := now.Add(-time.Minute)
	rec = &Record{UsageCredits: 1000, UsedCredits: 500, NextCreditRenewal: &past}
	if !rolloverCreditRenewal(rec, now, interval) {
		t.Fatal("Expected rollover to fire")
	}
	if rec.UsedCredits != 0 {
		t.Errorf("Expected used counter reset, got %d", rec.UsedCredits)
	}
	if rec.UsageCredits != 1000 {
		t.Errorf("Allotment must survive a rollover, got %d", rec.UsageCredits)
	}
	if want := now.Add(interval); !rec.NextCreditRenewal.Equal(want) {
		t.Errorf("Expected next renewal %v, got %v", want, *rec.NextCreditRenewal)
	}

	// A second pass in the same window is a no-op.
	if rolloverCreditRenewal(rec, now, interval) {
		t.Error("Expected rollover to be idempotent within the window")
	}
}

func TestDowngradeAfterBillingCycle(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	interval := 28 * 24 * time.Hour
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	// Pro accounts are never downgraded by the cycle check.
	rec := &Record{Tier: TierPro, UsageCredits: 1000, BillingCycleEnd: &past}
	if downgradeAfterBillingCycle(rec, now, 5, interval) {
		t.Error("Expected no downgrade while tier is pro")
	}

	// Canceled but cycle not over yet: full balance retained.
	rec = &Record{Tier: TierFree, UsageCredits: 1000, UsedCredits: 40, BillingCycleEnd: &future, Status: StatusCanceled}
	if downgradeAfterBillingCycle(rec, now, 5, interval) {
		t.Error("Expected no downgrade before cycle end")
	}
	if rec.UsageCredits != 1000 || rec.UsedCredits != 40 {
		t.Errorf("Balance mutated before cycle end: %d/%d", rec.UsedCredits, rec.UsageCredits)
	}

	// Cycle over: clamp to the free allotment and start a renewal clock.
	rec = &Record{Tier: TierFree, UsageCredits: 1000, UsedCredits: 40, BillingCycleEnd: &past, Status: StatusCanceled}
	if !downgradeAfterBillingCycle(rec, now, 5, interval) {
		t.Fatal("Expected downgrade to fire")
	}
	if rec.UsageCredits != 5 || rec.UsedCredits != 0 {
		t.Errorf("Expected clamp to 5/0, got %d/%d", rec.UsedCredits, rec.UsageCredits)
	}
	if rec.Status != StatusCanceled {
		t.Errorf("Expected canceled status, got %s", rec.Status)
	}
	if rec.NextCreditRenewal == nil {
		t.Error("Expected renewal clock to start on downgrade")
	} else if want := now.Add(interval); !rec.NextCreditRenewal.Equal(want) {
		t.Errorf("Expected next renewal %v, got %v", want, *rec.NextCreditRenewal)
	}
	if rec.BillingCycleEnd == nil {
		t.Error("Cycle end must be retained as a historical marker")
	}

	// Allotment already at or under the free cap: the trigger is spent.
	if downgradeAfterBillingCycle(rec, now, 5, interval) {
		t.Error("Expected downgrade to fire at most once")
	}
}
