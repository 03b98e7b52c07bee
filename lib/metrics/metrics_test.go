// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/eventsink/lib/event"
	"github.com/bureau-foundation/eventsink/lib/eventpipeline"
	"github.com/bureau-foundation/eventsink/lib/ingest"
	"github.com/bureau-foundation/eventsink/lib/ingress"
	"github.com/bureau-foundation/eventsink/lib/pipeline"
)

var (
	_ pipeline.Observer          = (*Metrics)(nil)
	_ eventpipeline.EventCounter = (*Metrics)(nil)
	_ ingest.WorkerObserver      = (*Metrics)(nil)
	_ ingress.Observer           = (*Metrics)(nil)
)

func TestCounters(t *testing.T) {
	m := New()
	m.CountEvent("error", true, false, true)
	m.CountEvent("error", false, false, false)
	m.ObserveOutcome(event.OutcomeFailed)
	m.ObserveAction("save_event", 3*time.Millisecond, 2)
	m.ObserveEntry("event_posts", ingest.ResultAbandoned)
	m.ObserveRequest("events_v2", 202)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"new", promtest.ToFloat64(m.eventsProcessed.WithLabelValues("error", "new")), 1},
		{"critical", promtest.ToFloat64(m.eventsProcessed.WithLabelValues("error", "critical")), 1},
		{"existing", promtest.ToFloat64(m.eventsProcessed.WithLabelValues("error", "existing")), 1},
		{"failed outcome", promtest.ToFloat64(m.outcomes.WithLabelValues("failed")), 1},
		{"action failures", promtest.ToFloat64(m.actionFailures.WithLabelValues("save_event")), 2},
		{"abandoned", promtest.ToFloat64(m.queueEntries.WithLabelValues("event_posts", "abandoned")), 1},
		{"requests", promtest.ToFloat64(m.requests.WithLabelValues("events_v2", "202")), 1},
	}
	for _, check := range checks {
		if check.got != check.want {
			t.Errorf("%s = %v, want %v", check.name, check.got, check.want)
		}
	}
}

func TestHandlerExposesQueueDepth(t *testing.T) {
	m := New()
	depth := 7
	if err := m.RegisterQueueDepth("event_posts", func() int { return depth }); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterQueueDepth("event_posts", func() int { return 0 }); err == nil {
		t.Error("duplicate queue gauge registered")
	}

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)
	if !strings.Contains(string(body), `eventsink_queue_depth{queue="event_posts"} 7`) {
		t.Errorf("queue depth missing from exposition:\n%s", body)
	}
}
