package puller

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"

	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "puller"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of connected peers.
	Peers metrics.Gauge
	// Number of outstanding block requests over all peers.
	PendingRequests metrics.Gauge
	// Number of bytes held by the download buffer.
	BufferedBytes metrics.Gauge
	// Number of blocks held by the download buffer.
	BufferedBlocks metrics.Gauge
	// Current size of the request window, in blocks.
	Lookahead metrics.Gauge
	// Height of the last block handed to the consumer.
	LocationHeight metrics.Gauge

	// Number of blocks handed to the consumer.
	BlocksDelivered metrics.Counter
	// Number of times the next needed block stalled at a peer.
	Stalls metrics.Counter
	// Number of detected reorgs.
	Reorgs metrics.Counter
	// Number of blocks received that were not pending at the sender.
	UnsolicitedBlocks metrics.Counter

	// Quality score of a peer.
	PeerScore metrics.Gauge

	// Time between requesting and receiving a block, in seconds.
	BlockLatency metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of connected peers.",
		}, labels).With(labelsAndValues...),
		PendingRequests: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_requests",
			Help:      "Number of outstanding block requests.",
		}, labels).With(labelsAndValues...),
		BufferedBytes: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "buffered_bytes",
			Help:      "Number of downloaded bytes waiting to be consumed.",
		}, labels).With(labelsAndValues...),
		BufferedBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "buffered_blocks",
			Help:      "Number of downloaded blocks waiting to be consumed.",
		}, labels).With(labelsAndValues...),
		Lookahead: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "lookahead",
			Help:      "Size of the request window in blocks.",
		}, labels).With(labelsAndValues...),
		LocationHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "location_height",
			Help:      "Height of the last block handed to the consumer.",
		}, labels).With(labelsAndValues...),
		BlocksDelivered: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_delivered_total",
			Help:      "Number of blocks handed to the consumer.",
		}, labels).With(labelsAndValues...),
		Stalls: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stalls_total",
			Help:      "Number of times the next needed block stalled.",
		}, labels).With(labelsAndValues...),
		Reorgs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorgs_total",
			Help:      "Number of detected reorgs.",
		}, labels).With(labelsAndValues...),
		UnsolicitedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "unsolicited_blocks_total",
			Help:      "Number of received blocks that were not requested from the sender.",
		}, labels).With(labelsAndValues...),
		PeerScore: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_score",
			Help:      "Quality score of a peer.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
		BlockLatency: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "block_latency_seconds",
			Help:      "Time between requesting and receiving a block.",
			Buckets:   stdprometheus.ExponentialBucketsRange(0.001, 10, 10),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:             discard.NewGauge(),
		PendingRequests:   discard.NewGauge(),
		BufferedBytes:     discard.NewGauge(),
		BufferedBlocks:    discard.NewGauge(),
		Lookahead:         discard.NewGauge(),
		LocationHeight:    discard.NewGauge(),
		BlocksDelivered:   discard.NewCounter(),
		Stalls:            discard.NewCounter(),
		Reorgs:            discard.NewCounter(),
		UnsolicitedBlocks: discard.NewCounter(),
		PeerScore:         discard.NewGauge(),
		BlockLatency:      discard.NewHistogram(),
	}
}
