// SPDX-License-Identifier: GPL-2.0-only

package hub

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	enumerations    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	overCurrent     *prometheus.CounterVec
	attachedDevices prometheus.Gauge
	pendingOps      prometheus.Gauge
	pollFailures    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		enumerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbhub_enumerations_total",
			Help: "The number of enumeration attempts by outcome.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbhub_port_transitions_total",
			Help: "The number of port state transitions by target state.",
		}, []string{"state"}),
		overCurrent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbhub_over_current_total",
			Help: "The number of over-current conditions reported.",
		}, []string{"scope"}),
		attachedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbhub_attached_devices",
			Help: "The number of enumerated devices on this hub.",
		}),
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbhub_pending_operations",
			Help: "The number of enumeration workers in flight.",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbhub_poll_failures_total",
			Help: "The number of failed reads of the status change endpoint.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.enumerations, m.transitions, m.overCurrent, m.attachedDevices, m.pendingOps, m.pollFailures)
	}
	return m
}
