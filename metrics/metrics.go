// Package metrics exports trafficd's Prometheus metrics: operation
// outcomes, socket destroy handling, and the per-uid traffic totals
// read from the UidStats map at scrape time.
package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/tagging"
)

const namespace = "trafficd"

// Result labels for operations.
const (
	ResultOK          = "ok"
	ResultUnsupported = "unsupported"
	ResultInvalid     = "invalid_argument"
	ResultError       = "error"
)

// SnapshotFunc reads the accounting maps. It returns
// trafficctl.ErrUnsupported when accounting is disabled.
type SnapshotFunc func() (*tagging.Snapshot, error)

// Metrics holds trafficd's collectors in a private registry.
type Metrics struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	destroyEvents *prometheus.CounterVec
	overruns      prometheus.Counter
	supported     prometheus.Gauge
}

// New creates the metrics. snapshot may be nil, in which case no
// traffic totals are exported.
func New(snapshot SnapshotFunc, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Accounting operations by name and result.",
		}, []string{"op", "result"}),
		destroyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_destroy_events_total",
			Help:      "Socket destroy notifications by outcome.",
		}, []string{"result"}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockdiag_overruns_total",
			Help:      "Times the kernel dropped socket destroy notifications.",
		}),
		supported: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounting_supported",
			Help:      "1 if eBPF traffic accounting is active.",
		}),
	}

	m.registry.MustRegister(
		m.operations,
		m.destroyEvents,
		m.overruns,
		m.supported,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if snapshot != nil {
		m.registry.MustRegister(&statsCollector{
			snapshot: snapshot,
			logger:   logger.With("component", "metrics"),
		})
	}
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOp records the outcome of an accounting operation.
func (m *Metrics) ObserveOp(op string, err error) {
	m.operations.WithLabelValues(op, resultOf(err)).Inc()
}

// ObserveDestroy implements reconciler.Observer.
func (m *Metrics) ObserveDestroy(result string) {
	m.destroyEvents.WithLabelValues(result).Inc()
}

// ObserveOverrun records a sock_diag buffer overrun.
func (m *Metrics) ObserveOverrun() { m.overruns.Inc() }

// SetSupported records whether accounting is active.
func (m *Metrics) SetSupported(ok bool) {
	if ok {
		m.supported.Set(1)
	} else {
		m.supported.Set(0)
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, trafficctl.ErrUnsupported):
		return ResultUnsupported
	case errors.Is(err, trafficctl.ErrInvalidArgument):
		return ResultInvalid
	default:
		return ResultError
	}
}

var (
	bytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uid", "bytes"),
		"Bytes counted in UidStats per uid, summed over counter sets and interfaces.",
		[]string{"uid", "direction"}, nil,
	)
	packetsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uid", "packets"),
		"Packets counted in UidStats per uid, summed over counter sets and interfaces.",
		[]string{"uid", "direction"}, nil,
	)
	cookiesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "tagged_sockets"),
		"Entries in the CookieTag map.",
		nil, nil,
	)
)

// statsCollector reads the maps on every scrape. Values can go down
// when DeleteTagData wipes a uid, so they are exported as gauges.
type statsCollector struct {
	snapshot SnapshotFunc
	logger   *slog.Logger
}

var _ prometheus.Collector = (*statsCollector)(nil)

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bytesDesc
	ch <- packetsDesc
	ch <- cookiesDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s, err := c.snapshot()
	if err != nil {
		if !errors.Is(err, trafficctl.ErrUnsupported) {
			c.logger.Warn("failed to read accounting maps", "error", err)
		}
		return
	}

	ch <- prometheus.MustNewConstMetric(cookiesDesc, prometheus.GaugeValue, float64(len(s.Cookies)))
	for uid, st := range s.UidTotals() {
		u := strconv.FormatUint(uint64(uid), 10)
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.GaugeValue, float64(st.RxBytes()), u, "rx")
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.GaugeValue, float64(st.TxBytes()), u, "tx")
		ch <- prometheus.MustNewConstMetric(packetsDesc, prometheus.GaugeValue, float64(st.RxPackets()), u, "rx")
		ch <- prometheus.MustNewConstMetric(packetsDesc, prometheus.GaugeValue, float64(st.TxPackets()), u, "tx")
	}
}
