package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"plugbridge/internal/supervisor"
)

// TestMetricsMiddleware_UsesRoutePattern ensures the metrics middleware labels
// by the chi route pattern instead of the raw URL path.
func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/instances/abc", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := mrr.Body.Bytes()
	if !bytes.Contains(body, []byte("plugbridge_http_requests_total")) || !bytes.Contains(body, []byte(`path="/instances/{id}"`)) {
		preview := body
		if len(preview) > 400 {
			preview = preview[:400]
		}
		t.Fatalf("expected route pattern label; got: %q", string(preview))
	}
	if bytes.Contains(body, []byte(`path="/instances/abc"`)) {
		t.Fatalf("raw path leaked into labels")
	}
}

func TestMetricsPublisher(t *testing.T) {
	var pub supervisor.EventPublisher = MetricsPublisher{}
	spawned := testutil.ToFloat64(spawnsTotal.WithLabelValues("started"))
	failed := testutil.ToFloat64(spawnsTotal.WithLabelValues("failed"))
	crashes := testutil.ToFloat64(crashesTotal.WithLabelValues("exit"))
	unknown := testutil.ToFloat64(crashesTotal.WithLabelValues("unknown"))
	ready := testutil.ToFloat64(stageTransitions.WithLabelValues("ready"))

	pub.Publish(supervisor.Event{Name: "spawn_start"})
	pub.Publish(supervisor.Event{Name: "spawn_failed"})
	pub.Publish(supervisor.Event{Name: "crashed", Fields: map[string]any{"source": "exit"}})
	pub.Publish(supervisor.Event{Name: "crashed"})
	pub.Publish(supervisor.Event{Name: "stage", Fields: map[string]any{"from": "loading", "to": "ready"}})
	pub.Publish(supervisor.Event{Name: "ready", Fields: map[string]any{"took": 30 * time.Millisecond}})
	pub.Publish(supervisor.Event{Name: "spawn_stop"})

	for name, c := range map[string]struct{ before, after float64 }{
		"started": {spawned, testutil.ToFloat64(spawnsTotal.WithLabelValues("started"))},
		"failed":  {failed, testutil.ToFloat64(spawnsTotal.WithLabelValues("failed"))},
		"exit":    {crashes, testutil.ToFloat64(crashesTotal.WithLabelValues("exit"))},
		"unknown": {unknown, testutil.ToFloat64(crashesTotal.WithLabelValues("unknown"))},
		"ready":   {ready, testutil.ToFloat64(stageTransitions.WithLabelValues("ready"))},
	} {
		if c.after != c.before+1 {
			t.Fatalf("%s: %v -> %v", name, c.before, c.after)
		}
	}
	if n := testutil.CollectAndCount(handshakeSeconds); n != 1 {
		t.Fatalf("load histogram series=%d", n)
	}
}

func TestStatusCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewStatusCollector(&mockService{status: sampleStatus()})); err != nil {
		t.Fatalf("register: %v", err)
	}
	expected := `
# HELP plugbridge_instances Bridged instances by load stage
# TYPE plugbridge_instances gauge
plugbridge_instances{stage="failed"} 1
plugbridge_instances{stage="ready"} 1
# HELP plugbridge_silenced_blocks_total Blocks rendered as silence
# TYPE plugbridge_silenced_blocks_total counter
plugbridge_silenced_blocks_total{instance="i1",plugin="test.gain"} 2
plugbridge_silenced_blocks_total{instance="i2",plugin=""} 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "plugbridge_instances", "plugbridge_silenced_blocks_total"); err != nil {
		t.Fatal(err)
	}
	if n := testutil.CollectAndCount(NewStatusCollector(&mockService{status: sampleStatus()}), "plugbridge_latency_samples"); n != 2 {
		t.Fatalf("latency series=%d", n)
	}
}
