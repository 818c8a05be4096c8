package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zerynth/lib-quectel-bg96/modem"
)

// NewMetrics exposes the modem activity counters as a Prometheus
// scrape endpoint.
func NewMetrics(m *modem.Modem) http.Handler {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, value func(modem.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, func() float64 {
			return float64(value(m.Stats()))
		})
	}

	reg.MustRegister(
		counter("bg96_at_commands_total", "AT commands issued.",
			func(s modem.Stats) int64 { return s.Commands }),
		counter("bg96_at_timeouts_total", "AT commands that timed out.",
			func(s modem.Stats) int64 { return s.Timeouts }),
		counter("bg96_urcs_total", "Unsolicited result codes received.",
			func(s modem.Stats) int64 { return s.URCs }),
		counter("bg96_socket_bytes_in_total", "Socket bytes received.",
			func(s modem.Stats) int64 { return s.BytesIn }),
		counter("bg96_socket_bytes_out_total", "Socket bytes sent.",
			func(s modem.Stats) int64 { return s.BytesOut }),
		counter("bg96_sms_sent_total", "SMS messages accepted by the network.",
			func(s modem.Stats) int64 { return s.SMSSent }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bg96_sms_pending",
			Help: "Incoming SMS notifications not yet listed.",
		}, func() float64 {
			return float64(m.Stats().SMSPending)
		}),
	)

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
