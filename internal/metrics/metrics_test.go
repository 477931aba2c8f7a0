package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncTick("built")
	IncTick("idle")
	ObserveTickDuration(0.25)
	SetStale(true)
	IncFetch("sites", "ok")
	ObserveFetchDuration("sites", 0.1)
	RecordBreakerTransition("sites", "closed", "open")
	IncBroadcast("sites.update")
	IncSendFailure()
	SetSubscribers(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"fleetwatch_monitor_ticks_total":          false,
		"fleetwatch_monitor_tick_duration_seconds": false,
		"fleetwatch_monitor_stale":                 false,
		"fleetwatch_source_fetches_total":          false,
		"fleetwatch_source_fetch_duration_seconds": false,
		"fleetwatch_breaker_transitions_total":     false,
		"fleetwatch_breaker_state":                 false,
		"fleetwatch_bus_broadcasts_total":          false,
		"fleetwatch_bus_send_failures_total":       false,
		"fleetwatch_bus_subscribers":               false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	if got := testutil.ToFloat64(subscribers); got != 3 {
		t.Fatalf("subscribers = %v, want 3", got)
	}
	if got := testutil.ToFloat64(breakerState.WithLabelValues("sites", "open")); got != 1 {
		t.Fatalf("breaker open gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(breakerState.WithLabelValues("sites", "closed")); got != 0 {
		t.Fatalf("breaker closed gauge = %v, want 0", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncTick("built")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "fleetwatch_monitor_ticks_total") {
		t.Fatalf("metrics output missing ticks_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncFetch("c", "ok")
			IncBroadcast("graph.update")
			IncSendFailure()
		}()
	}
	wg.Wait()
	// Ensure gather succeeds under race detector
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncTick("idle")
	ObserveTickDuration(1)
	SetStale(false)
	IncFetch("test", "error")
	ObserveFetchDuration("test", 1.0)
	RecordBreakerTransition("test", "open", "half_open")
	SetBreakerState("test", "closed")
	IncBroadcast("pong")
	IncSendFailure()
	SetSubscribers(5)
}

func TestRegisterError(t *testing.T) {
	errorRegisterer := &errorRegisterer{
		shouldError: true,
	}

	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(errorRegisterer)
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}

func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
