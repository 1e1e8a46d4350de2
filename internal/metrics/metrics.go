package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-datalink/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Link label values (bounded set, one per DataLink variant).
const (
	LinkElm327    = "elm327"
	LinkPassThru  = "passthru"
	LinkSocketCAN = "socketcan"
)

// ISO-TP path label values.
const (
	ISOTPNative   = "native"
	ISOTPSoftware = "software"
	ISOTPAdapter  = "adapter"
)

// Prometheus collectors
var (
	LinkRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_rx_frames_total",
		Help: "Total CAN frames received from a data link.",
	}, []string{"link"})
	LinkTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_tx_frames_total",
		Help: "Total CAN frames transmitted on a data link.",
	}, []string{"link"})
	SessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_sessions_opened_total",
		Help: "Hardware sessions opened (adapter sessions, PassThru devices, CAN sockets).",
	}, []string{"link"})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_sessions_closed_total",
		Help: "Hardware sessions closed after their last lease was released.",
	}, []string{"link"})
	BufferEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_rx_buffer_evictions_total",
		Help: "Frames evicted from a full receive buffer (oldest dropped).",
	}, []string{"link"})
	ISOTPTransports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_transports_total",
		Help: "ISO-TP transports opened, by implementation path.",
	}, []string{"path"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	CaptureWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_written_frames_total",
		Help: "Frames flushed to the capture sink.",
	})
	CaptureDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_dropped_frames_total",
		Help: "Frames dropped because the capture queue was full.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead         = "tcp_read"
	ErrTCPWrite        = "tcp_write"
	ErrHandshake       = "handshake"
	ErrBackendTx       = "backend_tx"
	ErrBackendOverflow = "backend_tx_overflow"
	ErrBackendRead     = "backend_read"
	ErrElmCommand      = "elm_command"
	ErrPassThruRead    = "passthru_read"
	ErrPassThruWrite   = "passthru_write"
	ErrSocketCANRead   = "socketcan_read"
	ErrSocketCANWrite  = "socketcan_write"
	ErrCapture         = "capture"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
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

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx          uint64
	localTx          uint64
	localSessOpen    uint64
	localSessClose   uint64
	localEvict       uint64
	localISOTPNative uint64
	localISOTPSoft   uint64
	localTCPRx       uint64
	localTCPTx       uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localHubClients  uint64
	localCaptured    uint64
	localCapDropped  uint64
	localErrors      uint64
	localMalformed   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	LinkRx         uint64
	LinkTx         uint64
	SessionsOpened uint64
	SessionsClosed uint64
	Evictions      uint64
	ISOTPNative    uint64
	ISOTPSoftware  uint64
	TCPRx          uint64
	TCPTx          uint64
	HubDrops       uint64
	HubKicks       uint64
	HubRejects     uint64
	HubClients     uint64
	Captured       uint64
	CaptureDropped uint64
	Errors         uint64 // sum across error labels
	Malformed      uint64
}

func Snap() Snapshot {
	return Snapshot{
		LinkRx:         atomic.LoadUint64(&localRx),
		LinkTx:         atomic.LoadUint64(&localTx),
		SessionsOpened: atomic.LoadUint64(&localSessOpen),
		SessionsClosed: atomic.LoadUint64(&localSessClose),
		Evictions:      atomic.LoadUint64(&localEvict),
		ISOTPNative:    atomic.LoadUint64(&localISOTPNative),
		ISOTPSoftware:  atomic.LoadUint64(&localISOTPSoft),
		TCPRx:          atomic.LoadUint64(&localTCPRx),
		TCPTx:          atomic.LoadUint64(&localTCPTx),
		HubDrops:       atomic.LoadUint64(&localHubDrop),
		HubKicks:       atomic.LoadUint64(&localHubKick),
		HubRejects:     atomic.LoadUint64(&localHubReject),
		HubClients:     atomic.LoadUint64(&localHubClients),
		Captured:       atomic.LoadUint64(&localCaptured),
		CaptureDropped: atomic.LoadUint64(&localCapDropped),
		Errors:         atomic.LoadUint64(&localErrors),
		Malformed:      atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.
func IncLinkRx(link string) {
	LinkRxFrames.WithLabelValues(link).Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncLinkTx(link string) {
	LinkTxFrames.WithLabelValues(link).Inc()
	atomic.AddUint64(&localTx, 1)
}

// IncSessionOpen counts a hardware session coming alive.
func IncSessionOpen(link string) {
	SessionsOpened.WithLabelValues(link).Inc()
	atomic.AddUint64(&localSessOpen, 1)
}

// IncSessionClose counts a hardware session torn down.
func IncSessionClose(link string) {
	SessionsClosed.WithLabelValues(link).Inc()
	atomic.AddUint64(&localSessClose, 1)
}

func IncBufferEvict(link string) {
	BufferEvictions.WithLabelValues(link).Inc()
	atomic.AddUint64(&localEvict, 1)
}

// IncISOTP records which implementation served an ISO-TP request.
func IncISOTP(path string) {
	ISOTPTransports.WithLabelValues(path).Inc()
	switch path {
	case ISOTPNative, ISOTPAdapter:
		atomic.AddUint64(&localISOTPNative, 1)
	case ISOTPSoftware:
		atomic.AddUint64(&localISOTPSoft, 1)
	}
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func AddCaptured(n int) {
	CaptureWritten.Add(float64(n))
	atomic.AddUint64(&localCaptured, uint64(n))
}

func IncCaptureDrop() {
	CaptureDropped.Inc()
	atomic.AddUint64(&localCapDropped, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error series so dashboards see zeros before the first failure.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrBackendTx, ErrBackendOverflow, ErrBackendRead,
		ErrElmCommand, ErrPassThruRead, ErrPassThruWrite,
		ErrSocketCANRead, ErrSocketCANWrite, ErrCapture,
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
	if fn == nil { // not set yet: report ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
