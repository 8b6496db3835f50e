package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOutboxMetrics_Backlog(t *testing.T) {
	m := NewOutboxMetrics(prometheus.NewRegistry())
	now := time.Date(2024, 11, 26, 12, 0, 0, 0, time.UTC)

	m.SetBacklog(3, now.Add(-90*time.Second), now)
	if got := testutil.ToFloat64(m.pending); got != 3 {
		t.Fatalf("expected pending=3, got %v", got)
	}
	if got := testutil.ToFloat64(m.oldestAge); got != 90 {
		t.Fatalf("expected oldest age 90s, got %v", got)
	}

	m.SetBacklog(0, time.Time{}, now)
	if got := testutil.ToFloat64(m.oldestAge); got != 0 {
		t.Fatalf("expected oldest age reset, got %v", got)
	}

	m.SetBacklog(1, now.Add(time.Minute), now)
	if got := testutil.ToFloat64(m.oldestAge); got != 0 {
		t.Fatalf("clock skew must not produce negative age, got %v", got)
	}
}

func TestOutboxMetrics_RecordPublish(t *testing.T) {
	m := NewOutboxMetrics(prometheus.NewRegistry())

	m.RecordPublish(PublishRetryError)
	m.RecordPublish(PublishRetryError)
	m.RecordPublish(PublishSent)

	if got := testutil.ToFloat64(m.publishAttempts.WithLabelValues(PublishRetryError)); got != 2 {
		t.Fatalf("expected 2 retry errors, got %v", got)
	}
	if got := testutil.ToFloat64(m.publishAttempts.WithLabelValues(PublishSent)); got != 1 {
		t.Fatalf("expected 1 sent, got %v", got)
	}

	var nilMetrics *OutboxMetrics
	nilMetrics.RecordPublish(PublishFailed)
	nilMetrics.SetBacklog(1, time.Now(), time.Now())
}
