package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/gnss-bridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total bytes read from the serial link.",
	})
	SerialTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_bytes_total",
		Help: "Total bytes written to the serial link.",
	})
	NetRxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "net_rx_bytes_total",
		Help: "Total bytes received from network peers by adapter.",
	}, []string{"adapter"})
	NetTxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "net_tx_bytes_total",
		Help: "Total bytes sent to network peers by adapter.",
	}, []string{"adapter"})
	AdapterConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_connects_total",
		Help: "Successful outbound sessions or accepted peers by adapter.",
	}, []string{"adapter"})
	AdapterDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_disconnects_total",
		Help: "Closed sessions or removed peers by adapter.",
	}, []string{"adapter"})
	AdapterRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_retries_total",
		Help: "Connect cycles started after a failure by adapter.",
	}, []string{"adapter"})
	HubDroppedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_chunks_total",
		Help: "Total chunks dropped by a hub due to slow peers.",
	})
	HubKickedPeers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_peers_total",
		Help: "Total peers disconnected due to backpressure kick policy.",
	})
	HubRejectedPeers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_peers_total",
		Help: "Total peer connection attempts rejected (e.g., max-clients).",
	})
	HubActivePeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hub_active_peers",
		Help: "Current number of peers attached to a hub.",
	}, []string{"hub"})
	HubBroadcastFanout = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of peers targeted in the most recent broadcast.",
	}, []string{"hub"})
	HubQueueDepthMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued chunks among peers in the last broadcast.",
	}, []string{"hub"})
	CasterRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caster_requests_total",
		Help: "NTRIP caster requests by outcome.",
	}, []string{"outcome"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialRead  = "serial_read"
	ErrSerialWrite = "serial_write"
	ErrNetRead     = "net_read"
	ErrNetWrite    = "net_write"
	ErrResolve     = "resolve"
	ErrConnect     = "connect"
	ErrProtocol    = "protocol"
	ErrListen      = "listen"
	ErrAccept      = "accept"
	ErrOverflow    = "tx_overflow"
)

// Caster request outcomes.
const (
	OutcomeStream       = "stream"
	OutcomeSourcetable  = "sourcetable"
	OutcomeUnauthorized = "unauthorized"
	OutcomeNotAllowed   = "method_not_allowed"
	OutcomeMalformed    = "malformed"
)

// Endpoint is an extra handler mounted next to /metrics and /ready.
type Endpoint struct {
	Pattern string
	Handler http.Handler
}

// StartHTTP serves Prometheus metrics at /metrics, readiness at /ready and
// any extra endpoints on addr.
func StartHTTP(addr string, extra ...Endpoint) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	for _, e := range extra {
		if e.Pattern != "" && e.Handler != nil {
			mux.Handle(e.Pattern, e.Handler)
		}
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Register adds a collector to the default registry, ignoring duplicates.
func Register(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			logging.L().Warn("metrics_register_failed", "error", err)
		}
	}
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRx    uint64
	localSerialTx    uint64
	localNetRx       uint64
	localNetTx       uint64
	localConnects    uint64
	localDisconnects uint64
	localRetries     uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx    uint64
	SerialTx    uint64
	NetRx       uint64
	NetTx       uint64
	Connects    uint64
	Disconnects uint64
	Retries     uint64
	HubDrops    uint64
	HubKicks    uint64
	HubRejects  uint64
	Errors      uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:    atomic.LoadUint64(&localSerialRx),
		SerialTx:    atomic.LoadUint64(&localSerialTx),
		NetRx:       atomic.LoadUint64(&localNetRx),
		NetTx:       atomic.LoadUint64(&localNetTx),
		Connects:    atomic.LoadUint64(&localConnects),
		Disconnects: atomic.LoadUint64(&localDisconnects),
		Retries:     atomic.LoadUint64(&localRetries),
		HubDrops:    atomic.LoadUint64(&localHubDrop),
		HubKicks:    atomic.LoadUint64(&localHubKick),
		HubRejects:  atomic.LoadUint64(&localHubReject),
		Errors:      atomic.LoadUint64(&localErrors),
	}
}

func AddSerialRx(n int) {
	SerialRxBytes.Add(float64(n))
	atomic.AddUint64(&localSerialRx, uint64(n))
}

func AddSerialTx(n int) {
	SerialTxBytes.Add(float64(n))
	atomic.AddUint64(&localSerialTx, uint64(n))
}

func AddNetRx(adapter string, n int) {
	NetRxBytes.WithLabelValues(adapter).Add(float64(n))
	atomic.AddUint64(&localNetRx, uint64(n))
}

func AddNetTx(adapter string, n int) {
	NetTxBytes.WithLabelValues(adapter).Add(float64(n))
	atomic.AddUint64(&localNetTx, uint64(n))
}

func IncConnect(adapter string) {
	AdapterConnects.WithLabelValues(adapter).Inc()
	atomic.AddUint64(&localConnects, 1)
}

func IncDisconnect(adapter string) {
	AdapterDisconnects.WithLabelValues(adapter).Inc()
	atomic.AddUint64(&localDisconnects, 1)
}

func IncRetry(adapter string) {
	AdapterRetries.WithLabelValues(adapter).Inc()
	atomic.AddUint64(&localRetries, 1)
}

func IncHubDrop() {
	HubDroppedChunks.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedPeers.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedPeers.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubPeers(hub string, n int) { HubActivePeers.WithLabelValues(hub).Set(float64(n)) }

func SetBroadcastFanout(hub string, n int) { HubBroadcastFanout.WithLabelValues(hub).Set(float64(n)) }

func SetQueueDepthMax(hub string, n int) { HubQueueDepthMax.WithLabelValues(hub).Set(float64(n)) }

func IncCasterRequest(outcome string) { CasterRequests.WithLabelValues(outcome).Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialRead, ErrSerialWrite, ErrNetRead, ErrNetWrite,
		ErrResolve, ErrConnect, ErrProtocol, ErrListen, ErrAccept, ErrOverflow,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
