package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordJobProcessed(t *testing.T) {
	before := testutil.ToFloat64(jobsProcessed.WithLabelValues("completed"))

	RecordJobProcessed("completed", 120*time.Millisecond)
	RecordJobProcessed("retryable", 2*time.Second)

	if got := testutil.ToFloat64(jobsProcessed.WithLabelValues("completed")); got != before+1 {
		t.Errorf("expected completed counter %v, got %v", before+1, got)
	}
}

func TestRecordPushAttempt(t *testing.T) {
	before := testutil.ToFloat64(pushAttempts.WithLabelValues("token", "error"))

	RecordPushAttempt("token", "error")
	RecordPushAttempt("token", "success")
	RecordPushRetry("token")

	if got := testutil.ToFloat64(pushAttempts.WithLabelValues("token", "error")); got != before+1 {
		t.Errorf("expected error counter %v, got %v", before+1, got)
	}
}

func TestRecordTokenInvalidated(t *testing.T) {
	before := testutil.ToFloat64(tokensInvalidated)
	RecordTokenInvalidated()
	if got := testutil.ToFloat64(tokensInvalidated); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}

func TestSetQueueJobs(t *testing.T) {
	SetQueueJobs("waiting", 7)
	if got := testutil.ToFloat64(queueJobs.WithLabelValues("waiting")); got != 7 {
		t.Errorf("expected 7 waiting, got %v", got)
	}
}

func TestSetBrokerHealthy(t *testing.T) {
	SetBrokerHealthy(true)
	if got := testutil.ToFloat64(brokerHealthy); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
	SetBrokerHealthy(false)
	if got := testutil.ToFloat64(brokerHealthy); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection()
	RecordDeadLetter("published")
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "ridepush_jobs_enqueued_total") {
		t.Error("metrics response should include the ridepush collectors")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/queue/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/queue/jobs/{id}", "200"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/queue/jobs/42", nil))

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/queue/jobs/{id}", "200")); got != before+1 {
		t.Errorf("expected request labelled by pattern, counter %v -> %v", before, got)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}

func TestSetCircuitState(t *testing.T) {
	SetCircuitState("fcm", 1)
	if got := testutil.ToFloat64(providerCircuit.WithLabelValues("fcm")); got != 1 {
		t.Errorf("expected open (1), got %v", got)
	}
	SetCircuitState("fcm", 0)
	if got := testutil.ToFloat64(providerCircuit.WithLabelValues("fcm")); got != 0 {
		t.Errorf("expected closed (0), got %v", got)
	}
}
