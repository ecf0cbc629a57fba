package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the relay's Prometheus collectors.
type Metrics struct {
	RecordsReceived   *prometheus.CounterVec
	RecordsDropped    prometheus.Counter
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	TransportErrors   prometheus.Counter
	SessionsCreated   prometheus.Counter
	SessionsActive    prometheus.Gauge
	Commands          *prometheus.CounterVec
}

// NewMetrics creates an unregistered set of collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		RecordsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "stream",
				Name:      "records_received_total",
				Help:      "Total number of records received from the stream",
			},
			[]string{"partition"},
		),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryrelay",
			Subsystem: "stream",
			Name:      "records_dropped_total",
			Help:      "Records dropped because they carry no device id",
		}),
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryrelay",
			Subsystem: "agent",
			Name:      "datagrams_sent_total",
			Help:      "Datagrams sent to the local agent",
		}),
		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryrelay",
			Subsystem: "agent",
			Name:      "datagrams_received_total",
			Help:      "Datagrams received from the local agent",
		}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryrelay",
			Subsystem: "agent",
			Name:      "transport_errors_total",
			Help:      "Device sessions closed because of a socket error",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryrelay",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Device sessions created",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetryrelay",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Device sessions currently registered",
		}),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "commands",
				Name:      "invocations_total",
				Help:      "Direct method invocations by result (delivered, failed, rejected)",
			},
			[]string{"result"},
		),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.RecordsReceived,
		m.RecordsDropped,
		m.DatagramsSent,
		m.DatagramsReceived,
		m.TransportErrors,
		m.SessionsCreated,
		m.SessionsActive,
		m.Commands,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
