package coap

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	staleNotifications prometheus.Counter
	unmatched          prometheus.Counter
	droppedDatagrams   prometheus.Counter
	decodeErrors       prometheus.Counter
	transportErrors    prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		staleNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_stale_notifications_total",
			Help: "Total number of notifications discarded because newer one was delivered already.",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_unmatched_responses_total",
			Help: "Total number of responses and notifications nobody waited for.",
		}),
		droppedDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_dropped_datagrams_total",
			Help: "Total number of inbound datagrams dropped because inbound queue was full.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_decode_errors_total",
			Help: "Total number of inbound datagrams which could not be decoded.",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_transport_errors_total",
			Help: "Total number of datagrams transport failed to send.",
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer, e *Engine) error {
	if r == nil {
		return nil
	}

	collectors := []prometheus.Collector{
		m.staleNotifications,
		m.unmatched,
		m.droppedDatagrams,
		m.decodeErrors,
		m.transportErrors,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "coap_retransmissions_total",
			Help: "Total number of retransmitted confirmable messages.",
		}, func() float64 {
			return float64(e.retransmitter.Retransmissions())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "coap_transmission_timeouts_total",
			Help: "Total number of confirmable messages never acknowledged.",
		}, func() float64 {
			return float64(e.retransmitter.Timeouts())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "coap_duplicates_total",
			Help: "Total number of duplicated inbound messages.",
		}, func() float64 {
			return float64(e.dedup.Duplicates())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coap_exchanges",
			Help: "Number of open outbound exchanges.",
		}, func() float64 {
			return float64(e.dispatcher.Len())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coap_pending_confirmables",
			Help: "Number of confirmable messages waiting for acknowledgement.",
		}, func() float64 {
			return float64(e.retransmitter.Pending())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coap_observations",
			Help: "Number of observations started by this node.",
		}, func() float64 {
			return float64(e.observations.Len())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coap_observers",
			Help: "Number of peers observing resources of this node.",
		}, func() float64 {
			return float64(e.subscribers.Len())
		}),
	}

	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
