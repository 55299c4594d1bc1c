package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestTaskMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewTaskMetrics(reg, "merchant")
	metrics.IncTransition("submitted", "working")
	metrics.IncTransition("submitted", "working")
	metrics.ObserveOperation("find_items", "completed", 250*time.Millisecond)
	metrics.IncDownstreamFailure("payment_processor")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "ap2_task_transitions_total", map[string]string{"role": "merchant", "from": "submitted", "to": "working"}); err != nil {
		t.Fatalf("fetch transitions: %v", err)
	} else if got != 2 {
		t.Fatalf("expected transitions=2, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "ap2_downstream_failures_total", map[string]string{"peer": "payment_processor"}); err != nil {
		t.Fatalf("fetch downstream: %v", err)
	} else if got != 1 {
		t.Fatalf("expected downstream=1, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "ap2_operation_duration_seconds", map[string]string{"operation": "find_items", "outcome": "completed"}); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}
}

func TestTaskMetricsNilSafe(t *testing.T) {
	var nilMetrics *TaskMetrics
	nilMetrics.IncTransition("a", "b")
	nilMetrics.ObserveOperation("op", "ok", time.Second)
	nilMetrics.IncDownstreamFailure("peer")

	unregistered := NewTaskMetrics(nil, "merchant")
	unregistered.IncTransition("a", "b")
}

func fetchCounterValue(mfs []*dto.MetricFamily, name string, labels map[string]string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabels(metric.GetLabel(), labels) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing labels %v", name, labels)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name string, labels map[string]string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabels(metric.GetLabel(), labels) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing labels %v", name, labels)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if v, ok := want[pair.GetName()]; ok && v == pair.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
