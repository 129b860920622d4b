package rabbitmq

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "simpleamqp"

// Confirm outcomes recorded by the confirms counter.
const (
	confirmAck    = "ack"
	confirmNack   = "nack"
	confirmReturn = "return"
)

// RPC outcomes recorded by the rpc duration histogram.
const (
	replyNormal  = "normal"
	replyLibrary = "library"
	replyServer  = "server"
)

type metrics struct {
	channelsOpened     prometheus.Counter
	channelsClosed     prometheus.Counter
	framesBuffered     prometheus.Counter
	envelopesAssembled prometheus.Counter
	published          prometheus.Counter
	delivered          prometheus.Counter
	confirms           *prometheus.CounterVec
	staleAcks          prometheus.Counter
	rpcDuration        *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		channelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "channel",
			Name:      "opened_total",
			Help:      "Channels opened with confirms enabled.",
		}),
		channelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "channel",
			Name:      "closed_total",
			Help:      "Channels closed by either peer.",
		}),
		framesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "demux",
			Name:      "frames_buffered_total",
			Help:      "Frames set aside for a channel other than the one being read.",
		}),
		envelopesAssembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "demux",
			Name:      "envelopes_assembled_total",
			Help:      "Deliveries assembled from buffered frames before being requested.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "basic",
			Name:      "published_total",
			Help:      "Messages published.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "basic",
			Name:      "delivered_total",
			Help:      "Envelopes handed to consumers.",
		}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "confirm",
			Name:      "results_total",
			Help:      "Publisher confirm outcomes.",
		}, []string{"result"}),
		staleAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "confirm",
			Name:      "stale_acks_total",
			Help:      "Acks whose delivery tag was already accounted for.",
		}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "Synchronous method round trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
	}

	if reg != nil {
		m.channelsOpened = register(reg, m.channelsOpened)
		m.channelsClosed = register(reg, m.channelsClosed)
		m.framesBuffered = register(reg, m.framesBuffered)
		m.envelopesAssembled = register(reg, m.envelopesAssembled)
		m.published = register(reg, m.published)
		m.delivered = register(reg, m.delivered)
		m.confirms = register(reg, m.confirms)
		m.staleAcks = register(reg, m.staleAcks)
		m.rpcDuration = register(reg, m.rpcDuration)
	}
	return m
}

// register registers c, or returns the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
