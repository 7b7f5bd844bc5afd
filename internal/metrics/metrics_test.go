package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func TestCollectorObserver(t *testing.T) {
	c := NewCollector()
	c.InboundHandled("wa", flow.OutcomeStarted, 10*time.Millisecond)
	c.InboundHandled("wa", flow.OutcomeStarted, 5*time.Millisecond)
	c.InboundHandled("wa", flow.OutcomeRetry, time.Millisecond)
	c.SessionEnded("wa", models.SessionStatusAbandoned, models.AbandonReasonTimeout)
	c.ProjectionFinished(nil)
	c.ProjectionFinished(errors.New("crm down"))

	if got := promtest.ToFloat64(c.InboundMessages.WithLabelValues("wa", string(flow.OutcomeStarted))); got != 2 {
		t.Errorf("started = %v, want 2", got)
	}
	if got := promtest.ToFloat64(c.SessionsEnded.WithLabelValues("wa", string(models.SessionStatusAbandoned), string(models.AbandonReasonTimeout))); got != 1 {
		t.Errorf("abandoned = %v, want 1", got)
	}
	if got := promtest.ToFloat64(c.CRMProjections.WithLabelValues("error")); got != 1 {
		t.Errorf("projection errors = %v, want 1", got)
	}
	if got := promtest.CollectAndCount(c.InboundDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestCollectorObserveSend(t *testing.T) {
	c := NewCollector()
	msg := store.OutboxMessage{ChannelID: "wa", Kind: string(models.OutboundPrompt)}
	c.ObserveSend(msg, store.SendOutcomeSent, time.Millisecond)
	c.ObserveSend(msg, store.SendOutcomeRetry, time.Millisecond)
	c.ObserveSend(msg, store.SendOutcomeSent, time.Millisecond)

	if got := promtest.ToFloat64(c.OutboundSends.WithLabelValues("wa", "prompt", "sent")); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := promtest.ToFloat64(c.OutboundSends.WithLabelValues("wa", "prompt", "retry")); got != 1 {
		t.Errorf("retry = %v, want 1", got)
	}
}

func TestCollectorObserveJob(t *testing.T) {
	c := NewCollector()
	c.ObserveJob("crm_projection", store.JobResultRetry, time.Millisecond)
	c.ObserveJob("crm_projection", store.JobResultDone, time.Millisecond)

	if got := promtest.ToFloat64(c.JobRuns.WithLabelValues("crm_projection", "retry")); got != 1 {
		t.Errorf("retry runs = %v, want 1", got)
	}
	if got := promtest.ToFloat64(c.JobRuns.WithLabelValues("crm_projection", "done")); got != 1 {
		t.Errorf("done runs = %v, want 1", got)
	}
}

func TestInstrumentAndHandler(t *testing.T) {
	c := NewCollector()
	h := c.Instrument("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/s_1", nil))

	if got := promtest.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/sessions/{id}", "404")); got != 1 {
		t.Errorf("http 404 count = %v, want 1", got)
	}

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "flowpipe_http_requests_total") {
		t.Error("metrics output missing flowpipe_http_requests_total")
	}
}
