package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetricsTracksOperations(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("vendor.skyways.confirm")
	time.Sleep(1 * time.Millisecond)
	span.End(nil)

	span = metrics.Start("vendor.skyways.confirm")
	span.End(errors.New("vendor unavailable"))

	snap := metrics.Snapshot()
	stats := snap.Operations["vendor.skyways.confirm"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalCalls != 2 || snap.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsCountsSagaOutcomesAndAlerts(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordSaga("BOOKING_CONFIRMED")
	metrics.RecordSaga("BOOKING_CONFIRMED")
	metrics.RecordSaga("COMPLETE_FAILURE")
	metrics.AddAlert()

	snap := metrics.Snapshot()
	if snap.SagaOutcomes["BOOKING_CONFIRMED"] != 2 || snap.SagaOutcomes["COMPLETE_FAILURE"] != 1 {
		t.Fatalf("unexpected outcomes: %+v", snap.SagaOutcomes)
	}
	if snap.OperatorAlerts != 1 {
		t.Fatalf("expected 1 alert, got %d", snap.OperatorAlerts)
	}
}

func TestMetricsTracksRateLimitWait(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddRateLimitWait(50 * time.Millisecond)
	metrics.AddRateLimitWait(25 * time.Millisecond)
	metrics.AddRateLimitWait(0)

	snap := metrics.Snapshot()
	if snap.RateLimitWaits != 2 {
		t.Fatalf("expected 2 waits, got %d", snap.RateLimitWaits)
	}
	if snap.RateLimitWaitMs != 75 {
		t.Fatalf("expected 75ms, got %d", snap.RateLimitWaitMs)
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	metrics.MarkShutdown(5)
	snap := metrics.Snapshot()
	if snap.Lifecycle == nil {
		t.Fatalf("expected lifecycle snapshot")
	}
	if snap.Lifecycle.InFlightAtShutdown != 5 {
		t.Fatalf("expected inflight 5, got %d", snap.Lifecycle.InFlightAtShutdown)
	}
}

func TestHandlerReturnsJSON(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("payment.capture")
	span.End(errors.New("declined"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	Handler(metrics).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("expected total errors 1, got %d", snap.TotalErrors)
	}
	if _, ok := snap.Operations["payment.capture"]; !ok {
		t.Fatalf("expected payment.capture in snapshot")
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	span := m.Start("ignored")
	span.End(nil)

	m.RecordSaga("BOOKING_CONFIRMED")
	m.AddAlert()
	m.AddRateLimitWait(time.Second)
	m.MarkShutdown(10)
	if snap := m.Snapshot(); snap.TotalCalls != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}
