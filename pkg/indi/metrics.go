package indi

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus instruments for a client. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	elementsParsed prometheus.Counter
	vectorsUpdated *prometheus.CounterVec
	propertyFaults prometheus.Counter
	deletions      prometheus.Counter
	messagesSent   prometheus.Counter
	bytesSent      prometheus.Counter
	sendErrors     prometheus.Counter
	queueDepth     prometheus.Gauge
	devices        prometheus.Gauge
}

// NewMetrics creates the client instruments and registers them with reg.
// It returns nil when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		elementsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indi",
			Subsystem: "client",
			Name:      "elements_parsed_total",
			Help:      "XML elements read from the stream",
		}),
		vectorsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indi",
			Subsystem: "client",
			Name:      "vectors_updated_total",
			Help:      "Vector definitions and updates published to subscribers",
		}, []string{"kind"}),
		propertyFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indi",
			Subsystem: "client",
			Name:      "property_faults_total",
			Help:      "Properties skipped because their value could not be decoded",
		}),
		deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indi",
			Subsystem: "client",
			Name:      "property_deletions_total",
			Help:      "deleteProperty notices received",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indi",
			Subsystem: "client",
			Name:      "messages_sent_total",
			Help:      "Messages written to the transport",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indi",
			Subsystem: "client",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the transport",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indi",
			Subsystem: "client",
			Name:      "send_errors_total",
			Help:      "Failed or partial writes retried on the next tick",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "indi",
			Subsystem: "client",
			Name:      "outbound_queue_depth",
			Help:      "Messages waiting to be sent",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "indi",
			Subsystem: "client",
			Name:      "devices",
			Help:      "Devices known to the registry",
		}),
	}

	reg.MustRegister(
		m.elementsParsed,
		m.vectorsUpdated,
		m.propertyFaults,
		m.deletions,
		m.messagesSent,
		m.bytesSent,
		m.sendErrors,
		m.queueDepth,
		m.devices,
	)
	return m
}

func (m *Metrics) elementParsed() {
	if m == nil {
		return
	}
	m.elementsParsed.Inc()
}

func (m *Metrics) vectorUpdated(kind Kind) {
	if m == nil {
		return
	}
	m.vectorsUpdated.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) propertyFault() {
	if m == nil {
		return
	}
	m.propertyFaults.Inc()
}

func (m *Metrics) propertyDeleted() {
	if m == nil {
		return
	}
	m.deletions.Inc()
}

func (m *Metrics) messageSent(n int) {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) sendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) setDevices(n int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(n))
}
