package prommetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func counterValue(t *testing.T, mf *dto.MetricFamily, labels map[string]string) float64 {
	t.Helper()
	if mf == nil {
		t.Fatal("Metric family not registered")
	}
outer:
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				continue outer
			}
		}
		return m.GetCounter().GetValue()
	}
	t.Fatalf("No metric with labels %v in %s", labels, mf.GetName())
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordRenewalRollover()
	m.RecordRenewalRollover()
	m.RecordCycleDowngrade()
	m.RecordConsume("ok")
	m.RecordConsume("insufficient")
	m.RecordClaim("claimed")
	m.RecordPersistRetry("payment_succeeded")
	m.RecordPersistRetry("payment_succeeded")
	m.RecordPersistRetry("claim")

	families := gather(t, reg)

	rollovers := families["test_ledger_rollovers_total"]
	if got := counterValue(t, rollovers, map[string]string{"kind": "credit_renewal"}); got != 2 {
		t.Errorf("Expected 2 credit_renewal rollovers, got %v", got)
	}
	if got := counterValue(t, rollovers, map[string]string{"kind": "cycle_downgrade"}); got != 1 {
		t.Errorf("Expected 1 cycle_downgrade, got %v", got)
	}

	consumption := families["test_ledger_consumption_total"]
	if got := counterValue(t, consumption, map[string]string{"status": "insufficient"}); got != 1 {
		t.Errorf("Expected 1 insufficient consume, got %v", got)
	}

	claims := families["test_ledger_claims_total"]
	if got := counterValue(t, claims, map[string]string{"status": "claimed"}); got != 1 {
		t.Errorf("Expected 1 claim, got %v", got)
	}

	retries := families["test_ledger_persist_retries_total"]
	if got := counterValue(t, retries, map[string]string{"op": "payment_succeeded"}); got != 2 {
		t.Errorf("Expected 2 payment_succeeded retries, got %v", got)
	}
}

func TestNewMetrics_RegistersPerRegistry(t *testing.T) {
	// Two instances on separate registries must not collide.
	m1 := NewMetrics(prometheus.NewRegistry(), "test")
	m2 := NewMetrics(prometheus.NewRegistry(), "test")
	m1.RecordConsume("ok")
	m2.RecordConsume("ok")
}
