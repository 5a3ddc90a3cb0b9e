// Package telemetry exports the readings and state of ramp runs as
// Prometheus metrics and MQTT messages.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hephy-dd/pt100ramp/ramp"
)

const namespace = "pt100"

// Metrics is a ramp.Observer that keeps gauges of the latest reading and
// the progress of the run
type Metrics struct {
	reg *prometheus.Registry

	chamberTemp   prometheus.Gauge
	humidity      prometheus.Gauge
	referenceTemp prometheus.Gauge
	setpoint      prometheus.Gauge
	step          prometheus.Gauge
	running       prometheus.Gauge
	readings      prometheus.Counter
	runs          *prometheus.CounterVec
}

// NewMetrics creates the gauges on a registry of their own
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		chamberTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chamber_temp_celsius",
			Help:      "Temperature reported by the climate chamber.",
		}),
		humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chamber_relative_humidity",
			Help:      "Relative humidity reported by the climate chamber.",
		}),
		referenceTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reference_temp_celsius",
			Help:      "Temperature of the Pt100 read by the multimeter.",
		}),
		setpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "setpoint_celsius",
			Help:      "Temperature setpoint sent to the chamber.",
		}),
		step: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step",
			Help:      "1-based index of the active ramp step.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while a ramp is running.",
		}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Readings taken.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(m.chamberTemp, m.humidity, m.referenceTemp,
		m.setpoint, m.step, m.running, m.readings, m.runs)
	return m
}

// Registry returns the registry holding the metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe implements ramp.Observer
func (m *Metrics) Observe(e ramp.Event) {
	switch e.Kind {
	case ramp.EventStarted:
		m.running.Set(1)
		m.step.Set(0)
	case ramp.EventProgress:
		m.step.Set(float64(e.Step))
		m.setpoint.Set(e.Setpoint)
	case ramp.EventMeasured:
		m.chamberTemp.Set(e.Reading.ChamberTemp)
		m.humidity.Set(e.Reading.ChamberHumidity)
		m.referenceTemp.Set(e.Reading.ReferenceTemp)
		m.readings.Inc()
	case ramp.EventFinished, ramp.EventFailed, ramp.EventCancelled:
		m.running.Set(0)
		m.runs.WithLabelValues(e.Kind.String()).Inc()
	}
}
