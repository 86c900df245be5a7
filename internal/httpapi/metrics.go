package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"plugbridge/internal/supervisor"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "plugbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	spawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugbridge",
			Subsystem: "bridge",
			Name:      "spawns_total",
			Help:      "Plugin server spawn attempts by result",
		},
		[]string{"result"},
	)

	crashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugbridge",
			Subsystem: "bridge",
			Name:      "crashes_total",
			Help:      "Plugin server losses by detection source",
		},
		[]string{"source"},
	)

	stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugbridge",
			Subsystem: "bridge",
			Name:      "stage_transitions_total",
			Help:      "Load stage transitions by target stage",
		},
		[]string{"to"},
	)

	handshakeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "plugbridge",
			Subsystem: "bridge",
			Name:      "load_seconds",
			Help:      "Time from spawn to Ready",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, spawnsTotal, crashesTotal, stageTransitions, handshakeSeconds)
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments requests for Prometheus
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// MetricsPublisher turns supervisor and client lifecycle events into
// Prometheus series. Install it as the client's event publisher.
type MetricsPublisher struct{}

func (MetricsPublisher) Publish(ev supervisor.Event) {
	switch ev.Name {
	case "spawn_start":
		spawnsTotal.WithLabelValues("started").Inc()
	case "spawn_failed":
		spawnsTotal.WithLabelValues("failed").Inc()
	case "crashed":
		source, _ := ev.Fields["source"].(string)
		if source == "" {
			source = "unknown"
		}
		crashesTotal.WithLabelValues(source).Inc()
	case "stage":
		if to, ok := ev.Fields["to"].(string); ok {
			stageTransitions.WithLabelValues(to).Inc()
		}
	case "ready":
		if d, ok := ev.Fields["took"].(time.Duration); ok {
			handshakeSeconds.Observe(d.Seconds())
		}
	}
}

var (
	instanceLabels = []string{"instance", "plugin"}

	descInstances = prometheus.NewDesc("plugbridge_instances", "Bridged instances by load stage", []string{"stage"}, nil)
	descBlocks    = prometheus.NewDesc("plugbridge_blocks_total", "Audio blocks requested by the host", instanceLabels, nil)
	descSilenced  = prometheus.NewDesc("plugbridge_silenced_blocks_total", "Blocks rendered as silence", instanceLabels, nil)
	descBusy      = prometheus.NewDesc("plugbridge_busy_total", "Blocks dropped because every request slot was taken", instanceLabels, nil)
	descTimeouts  = prometheus.NewDesc("plugbridge_timeouts_total", "Blocks whose result missed the block timeout", instanceLabels, nil)
	descStale     = prometheus.NewDesc("plugbridge_stale_results_total", "Late results discarded by sequence mismatch", instanceLabels, nil)
	descOverflows = prometheus.NewDesc("plugbridge_queue_overflows_total", "Events dropped from full queues", instanceLabels, nil)
	descLatency   = prometheus.NewDesc("plugbridge_latency_samples", "Reported plugin latency", instanceLabels, nil)
)

// StatusCollector exports the audio-path counters of every instance the
// service knows about, read at scrape time.
type StatusCollector struct {
	svc Service
}

func NewStatusCollector(svc Service) *StatusCollector { return &StatusCollector{svc: svc} }

// RegisterStatusCollector installs a StatusCollector for svc in the default
// registry served on /metrics.
func RegisterStatusCollector(svc Service) error {
	return prometheus.Register(NewStatusCollector(svc))
}

func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descInstances, descBlocks, descSilenced, descBusy, descTimeouts, descStale, descOverflows, descLatency} {
		ch <- d
	}
}

func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	byStage := map[string]int{}
	for _, in := range c.svc.Status().Instances {
		byStage[in.Stage]++
		plugin := ""
		if in.Plugin != nil {
			plugin = in.Plugin.ID
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), in.ID, plugin)
		}
		counter(descBlocks, in.Counters.Blocks)
		counter(descSilenced, in.Counters.Silenced)
		counter(descBusy, in.Counters.Busy)
		counter(descTimeouts, in.Counters.Timeouts)
		counter(descStale, in.Counters.StaleResults)
		counter(descOverflows, in.Counters.QueueOverflows)
		ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, float64(in.Latency), in.ID, plugin)
	}
	for stage, n := range byStage {
		ch <- prometheus.MustNewConstMetric(descInstances, prometheus.GaugeValue, float64(n), stage)
	}
}
