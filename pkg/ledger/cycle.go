package ledger

import "time"

// billingCycle derives a billing period from the plan duration when the
// provider did not supply renewal timestamps. Monthly plans run 30 days;
// yearly plans run one calendar year from start.
func billingCycle(duration PlanDuration, start time.Time) (cycleStart, cycleEnd time.Time) {
	s := start.UTC()
	switch duration {
	case DurationYearly:
		return s, addMonthsSafe(s, 12)
	default:
		return s, s.Add(30 * 24 * time.Hour)
	}
}

// rolloverCreditRenewal applies the 28-day credit-renewal check: when the
// renewal clock has passed, the used counter resets and the clock advances.
// The allotment (UsageCredits) is untouched. Returns true when the record
// was mutated. Idempotent: a second call in the same window is a no-op.
func rolloverCreditRenewal(rec *Record, now time.Time, interval time.Duration) bool {
	if rec.NextCreditRenewal == nil || !now.After(*rec.NextCreditRenewal) {
		return false
	}
	rec.UsedCredits = 0
	next := now.Add(interval)
	rec.NextCreditRenewal = &next
	return true
}

// downgradeAfterBillingCycle applies the post-cancellation check: a canceled
// pro account keeps its pro-level balance until the stored billing cycle end
// passes, then is clamped to the free allotment. BillingCycleEnd is retained
// as a historical marker; once UsageCredits is at or under the free cap the
// trigger condition can never fire again.
func downgradeAfterBillingCycle(rec *Record, now time.Time, freeCredits int, interval time.Duration) bool {
	if rec.Tier != TierFree {
		return false
	}
	if rec.BillingCycleEnd == nil || !now.After(*rec.BillingCycleEnd) {
		return false
	}
	if rec.UsageCredits <= freeCredits {
		return false
	}
	rec.UsageCredits = freeCredits
	rec.UsedCredits = 0
	rec.Status = StatusCanceled
	if rec.NextCreditRenewal == nil {
		next := now.Add(interval)
		rec.NextCreditRenewal = &next
	}
	return true
}

// addMonthsSafe adds months to a time, handling month-end edge cases.
// Standard Go pattern: Use time.Date with day=1 to avoid overflow, then clip to max day.
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	targetDate := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// Find the last day of the target month.
	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(targetDate.Year(), targetDate.Month()+1, 0, 0, 0, 0, 0, targetDate.Location()).Day()

	actualDay := day
	if actualDay > lastDay {
		actualDay = lastDay
	}

	return time.Date(targetDate.Year(), targetDate.Month(), actualDay, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
