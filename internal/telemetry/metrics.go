package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RelayState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "advchain",
			Name:      "relay_state",
			Help:      "1 for the relay controller's current state, 0 otherwise.",
		},
		[]string{"node", "state"},
	)

	Terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advchain",
			Name:      "sync_terminations_total",
			Help:      "Established syncs lost in this power cycle.",
		},
		[]string{"node"},
	)

	PendingTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advchain",
			Name:      "sync_pending_timeouts_total",
			Help:      "Sync sessions deleted because establishment timed out.",
		},
		[]string{"node"},
	)

	SyncsEstablished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advchain",
			Name:      "syncs_established_total",
			Help:      "Sync sessions that reached lock.",
		},
		[]string{"node"},
	)

	Candidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advchain",
			Name:      "scan_candidates_total",
			Help:      "Matching advertisers reported by the scanner, by outcome.",
		},
		[]string{"node", "outcome"},
	)

	PayloadUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advchain",
			Name:      "payload_updates_total",
			Help:      "Outbound payload updates, by result.",
		},
		[]string{"node", "result"},
	)

	DroppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advchain",
			Name:      "dropped_events_total",
			Help:      "Received events dropped because the controller queue was full.",
		},
		[]string{"node"},
	)

	BroadcasterStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advchain",
			Name:      "broadcaster_starts_total",
			Help:      "Outbound schedule starts, by result. At most one per power cycle.",
		},
		[]string{"node", "result"},
	)

	SourceTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advchain",
			Name:      "source_ticks_total",
			Help:      "Source payload increments.",
		},
		[]string{"node"},
	)

	MonitorDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advchain",
			Name:      "monitor_dropped_frames_total",
			Help:      "Monitor frames not delivered to a slow subscriber.",
		},
		[]string{"node"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "advchain",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and boot id).",
		},
		[]string{"version", "boot_id"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "advchain",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RelayState, Terminations, PendingTimeouts, SyncsEstablished, Candidates,
		PayloadUpdates, DroppedEvents, BroadcasterStarts, SourceTicks, MonitorDropped,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version, bootID string) {
	buildInfo.WithLabelValues(version, bootID).Set(1)
}

// SetRelayState marks state as current for node and clears every other
// state in states.
func SetRelayState(node, state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		RelayState.WithLabelValues(node, s).Set(v)
	}
}

// Serve runs a metrics endpoint on addr until the listener fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
