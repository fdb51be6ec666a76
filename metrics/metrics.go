// Package metrics exposes the node's Prometheus metrics and pprof debug
// endpoints over a dedicated listener, following the same registry/Start
// shape the project has historically used for its operational metrics
// server.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorumcast/arb/common/log"
)

var (
	// PrivateMetrics holds every collector this node exposes: process-level
	// Go runtime stats plus all protocol counters/gauges/histograms below.
	PrivateMetrics = prometheus.NewRegistry()

	// EnvelopesReceived counts authenticated, structurally valid envelopes
	// the demultiplexer accepted.
	EnvelopesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_envelopes_received_total",
		Help: "Number of accepted envelopes received.",
	})

	// EnvelopesDropped counts envelopes rejected before reaching an
	// instance, by drop reason (malformed, unknown_sender, bad_signature,
	// instance_queue_full).
	EnvelopesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_envelopes_dropped_total",
		Help: "Number of envelopes dropped before dispatch to an instance, by reason.",
	}, []string{"reason"})

	// InstancesLive gauges the number of broadcast instances currently
	// tracked by this node (started and not yet reaped; delivered instances
	// still count during their grace period).
	InstancesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_instances_live",
		Help: "Number of broadcast instances currently tracked.",
	})

	// InstancesStarted counts every broadcast instance this node has ever
	// created, whether it goes on to deliver or not.
	InstancesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_instances_started_total",
		Help: "Number of broadcast instances created.",
	})

	// InstancesDelivered counts every broadcast instance that reached
	// delivery.
	InstancesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_instances_delivered_total",
		Help: "Number of broadcast instances delivered.",
	})

	// InstancesReaped counts instances removed by the garbage collector,
	// either post-delivery or for exceeding the max unresolved age.
	InstancesReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_instances_reaped_total",
		Help: "Number of broadcast instances garbage collected.",
	})

	// TimeToDelivery histograms the wall-clock time between an instance's
	// first envelope and its delivery.
	TimeToDelivery = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arb_time_to_delivery_seconds",
		Help:    "Time between an instance's creation and its delivery.",
		Buckets: prometheus.DefBuckets,
	})

	// PeerFailureEvents counts evidence of misbehavior attributed to a
	// specific peer address (bad signature, malformed envelope claiming to
	// be from it). Incremented by ThresholdMonitor.ReportFailure, which uses
	// the same reports to surface a likely-Byzantine peer before it affects
	// liveness.
	PeerFailureEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_peer_failure_events_total",
		Help: "Evidence of misbehavior attributed to a peer address.",
	}, []string{"peer"})

	metricsBound = false
)

func bindMetrics() error {
	if metricsBound {
		return nil
	}
	metricsBound = true

	if err := PrivateMetrics.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := PrivateMetrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return err
	}

	protocol := []prometheus.Collector{
		EnvelopesReceived,
		EnvelopesDropped,
		InstancesLive,
		InstancesStarted,
		InstancesDelivered,
		InstancesReaped,
		TimeToDelivery,
		PeerFailureEvents,
	}
	for _, c := range protocol {
		if err := PrivateMetrics.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Start starts a Prometheus metrics server with debug endpoints bound to
// metricsBind ("host:port" or just "port" for localhost).
func Start(metricsBind string, pprof http.Handler) net.Listener {
	l := log.DefaultLogger()
	l.Debugw("starting metrics listener", "at", metricsBind)
	if err := bindMetrics(); err != nil {
		l.Warnw("metric setup failed", "err", err)
		return nil
	}

	if !strings.Contains(metricsBind, ":") {
		metricsBind = "localhost:" + metricsBind
	}
	ln, err := net.Listen("tcp", metricsBind)
	if err != nil {
		l.Warnw("metrics listen failed", "err", err)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	if pprof != nil {
		mux.Handle("/debug/pprof/", pprof)
	}
	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, _ *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})

	s := http.Server{Addr: ln.Addr().String(), Handler: mux}
	go func() {
		l.Warnw("metrics listener finished", "err", s.Serve(ln))
	}()
	return ln
}

// Collector adapts the package-level metrics above to the demux.Metrics
// interface, so the demultiplexer runtime can report through it without
// importing package metrics' prometheus details directly into its own
// call sites.
type Collector struct{}

// NewCollector returns a Collector ready to pass to demux.New.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) EnvelopeReceived()             { EnvelopesReceived.Inc() }
func (c *Collector) EnvelopeDropped(reason string) { EnvelopesDropped.WithLabelValues(reason).Inc() }

// InstanceStarted marks an instance as both started (monotonic counter) and
// live (gauge); InstancesLive only goes back down in InstanceReaped, since
// an instance stays in the table — answering late REQUESTs — through its
// post-delivery grace period.
func (c *Collector) InstanceStarted() {
	InstancesStarted.Inc()
	InstancesLive.Inc()
}

func (c *Collector) InstanceDelivered(latency time.Duration) {
	InstancesDelivered.Inc()
	TimeToDelivery.Observe(latency.Seconds())
}

func (c *Collector) InstanceReaped() {
	InstancesReaped.Inc()
	InstancesLive.Dec()
}
