package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	// Touch every metric so gathering sees them
	RecordPublished("slack")
	RecordConsumed()
	RecordAcked()
	RecordRequeued("rate_limited")
	RecordDeadLettered("max_attempts")
	RecordDeduped()
	RecordResult("delivered")
	ObserveModelCall(250 * time.Millisecond)
	ObserveStoreWrite(5 * time.Millisecond)
	RecordStoreConflict()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	want := map[string]bool{
		"chatpipe_tasks_published_total":       false,
		"chatpipe_tasks_consumed_total":        false,
		"chatpipe_tasks_acked_total":           false,
		"chatpipe_tasks_requeued_total":        false,
		"chatpipe_tasks_dead_lettered_total":   false,
		"chatpipe_tasks_deduped_total":         false,
		"chatpipe_results_published_total":     false,
		"chatpipe_model_call_latency_seconds":  false,
		"chatpipe_store_write_latency_seconds": false,
		"chatpipe_store_conflicts_total":       false,
	}
	for _, fam := range families {
		if _, ok := want[fam.GetName()]; ok {
			want[fam.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestRecordPublished(t *testing.T) {
	before := testutil.ToFloat64(TasksPublishedTotal.WithLabelValues("telegram"))
	RecordPublished("telegram")
	RecordPublished("telegram")
	after := testutil.ToFloat64(TasksPublishedTotal.WithLabelValues("telegram"))
	if after-before != 2 {
		t.Errorf("published delta = %v, want 2", after-before)
	}

	// Empty platform is bucketed as unknown
	beforeUnknown := testutil.ToFloat64(TasksPublishedTotal.WithLabelValues("unknown"))
	RecordPublished("")
	afterUnknown := testutil.ToFloat64(TasksPublishedTotal.WithLabelValues("unknown"))
	if afterUnknown-beforeUnknown != 1 {
		t.Errorf("unknown delta = %v, want 1", afterUnknown-beforeUnknown)
	}
}

func TestRecordRequeuedByReason(t *testing.T) {
	reasons := []string{"rate_limited", "timeout", "upstream_error", "store_conflict"}
	for _, reason := range reasons {
		before := testutil.ToFloat64(TasksRequeuedTotal.WithLabelValues(reason))
		RecordRequeued(reason)
		after := testutil.ToFloat64(TasksRequeuedTotal.WithLabelValues(reason))
		if after-before != 1 {
			t.Errorf("requeued[%s] delta = %v, want 1", reason, after-before)
		}
	}
}

func TestRecordDeadLettered(t *testing.T) {
	before := testutil.ToFloat64(TasksDeadLetteredTotal.WithLabelValues("stale"))
	RecordDeadLettered("stale")
	after := testutil.ToFloat64(TasksDeadLetteredTotal.WithLabelValues("stale"))
	if after-before != 1 {
		t.Errorf("dead lettered delta = %v, want 1", after-before)
	}
}

func TestRecordResult(t *testing.T) {
	for _, status := range []string{"delivered", "failed"} {
		before := testutil.ToFloat64(ResultsPublishedTotal.WithLabelValues(status))
		RecordResult(status)
		after := testutil.ToFloat64(ResultsPublishedTotal.WithLabelValues(status))
		if after-before != 1 {
			t.Errorf("results[%s] delta = %v, want 1", status, after-before)
		}
	}
}

func TestPrometheusTextOutput(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	RecordConsumed()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var names []string
	for _, fam := range families {
		names = append(names, fam.GetName())
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "chatpipe_tasks_consumed_total") {
		t.Errorf("gathered families = %s", joined)
	}
}
