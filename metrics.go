package dataget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataget_transfers_total",
		Help: "The total number of finished transfers by outcome",
	}, []string{"outcome"})

	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataget_bytes_written_total",
		Help: "The total number of bytes written to target files",
	})

	transfersInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dataget_transfers_in_flight",
		Help: "The number of transfers currently running in this process",
	})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataget_http_retries_total",
		Help: "The total number of requests retried after a 503 response",
	})

	linkChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataget_link_checks_total",
		Help: "The total number of link checks by result",
	}, []string{"result"})
)

// WriteMetrics writes the current value of every dataget metric to path in
// the Prometheus text format, for node exporter textfile collection.
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
