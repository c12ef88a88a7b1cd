package perf

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/bcef-innovation/identity-core/internal/jobs"
	"github.com/bcef-innovation/identity-core/jobs"
)

// flakyMailer fails every nth message.
type flakyMailer struct {
	every int64
	calls atomic.Int64
}

func (m *flakyMailer) Send(context.Context, jobs.Message) error {
	if n := m.calls.Add(1); m.every > 0 && n%m.every == 0 {
		return errors.New("421 service not available")
	}
	return nil
}

func TestMailJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := jobs.NewMailJob(&flakyMailer{every: 20}, nil, metrics)

	for i := 0; i < 100; i++ {
		task, err := jobs.NewActivationTask(jobs.ActivationPayload{
			AccountID:   fmt.Sprintf("acct-%d", i),
			Email:       fmt.Sprintf("user-%d@example.org", i),
			FirstName:   "Perf",
			Token:       "tok",
			TokenExpiry: time.Now().Add(48 * time.Hour),
		}, 5)
		if err != nil {
			t.Fatalf("build task: %v", err)
		}
		_ = job.HandleActivation(context.Background(), task)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	success := metricValue(t, families, "identity_jobs_total", map[string]string{"job": jobs.TaskSendActivation, "status": "success"})
	failure := metricValue(t, families, "identity_jobs_total", map[string]string{"job": jobs.TaskSendActivation, "status": "failure"})
	if success+failure != 100 {
		t.Fatalf("recorded %v runs, want 100", success+failure)
	}
	if ratio := success / (success + failure); ratio < 0.9 {
		t.Fatalf("mail success ratio too low: %f", ratio)
	}
	if mean := histogramMean(t, families, "identity_job_duration_seconds", map[string]string{"job": jobs.TaskSendActivation}); mean > 0.5 {
		t.Fatalf("mail render duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}
