package metrics

import (
	"net/http"
	"strconv"
	tcp_protocol "tcp-tcp-team-pa/tcp_pkg"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tcp"

// StatsProvider is implemented by tcp_protocol.TCPStack.
type StatsProvider interface {
	ConnStats() []tcp_protocol.ConnStats
}

// ConnCollector exports per-connection statistics, one series per socket.
type ConnCollector struct {
	provider StatsProvider

	bytesInFlightDesc   *prometheus.Desc
	bytesPendingDesc    *prometheus.Desc
	segmentsSentDesc    *prometheus.Desc
	retransmissionsDesc *prometheus.Desc
	bytesDeliveredDesc  *prometheus.Desc
	windowDesc          *prometheus.Desc
}

func NewConnCollector(provider StatsProvider) *ConnCollector {
	labels := []string{"socket", "remote", "state"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "conn", name), help, labels, nil)
	}

	return &ConnCollector{
		provider:            provider,
		bytesInFlightDesc:   desc("bytes_in_flight", "Sequence numbers sent but not yet acknowledged"),
		bytesPendingDesc:    desc("bytes_pending", "Bytes held by the reassembler waiting for a gap to fill"),
		segmentsSentDesc:    desc("segments_sent_total", "Segments sent for the first time"),
		retransmissionsDesc: desc("retransmissions_total", "Segments retransmitted after a timeout"),
		bytesDeliveredDesc:  desc("bytes_delivered_total", "Bytes written in order to the inbound stream"),
		windowDesc:          desc("window", "Last window advertised by the peer"),
	}
}

func (c *ConnCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesInFlightDesc
	ch <- c.bytesPendingDesc
	ch <- c.segmentsSentDesc
	ch <- c.retransmissionsDesc
	ch <- c.bytesDeliveredDesc
	ch <- c.windowDesc
}

func (c *ConnCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.provider.ConnStats() {
		remote := s.Tuple.RemoteAddr.String() + ":" + strconv.Itoa(int(s.Tuple.RemotePort))
		labels := []string{strconv.FormatUint(uint64(s.SocketID), 10), remote, s.State}

		ch <- prometheus.MustNewConstMetric(c.bytesInFlightDesc, prometheus.GaugeValue, float64(s.BytesInFlight), labels...)
		ch <- prometheus.MustNewConstMetric(c.bytesPendingDesc, prometheus.GaugeValue, float64(s.BytesPending), labels...)
		ch <- prometheus.MustNewConstMetric(c.segmentsSentDesc, prometheus.CounterValue, float64(s.SegmentsSent), labels...)
		ch <- prometheus.MustNewConstMetric(c.retransmissionsDesc, prometheus.CounterValue, float64(s.Retransmissions), labels...)
		ch <- prometheus.MustNewConstMetric(c.bytesDeliveredDesc, prometheus.CounterValue, float64(s.BytesDelivered), labels...)
		ch <- prometheus.MustNewConstMetric(c.windowDesc, prometheus.GaugeValue, float64(s.Window), labels...)
	}
}

// NewRegistry returns a registry with the Go runtime collectors and a
// ConnCollector over provider.
func NewRegistry(provider StatsProvider) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(NewConnCollector(provider))
	return registry
}

// Handler serves registry at /metrics.
func Handler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
