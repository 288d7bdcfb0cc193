package client

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/crudfs/internal/crud"
)

type metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	sentBytes     prometheus.Counter
	receivedBytes prometheus.Counter
	connected     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crud_client_requests_total",
			Help: "Total number of requests sent to the object store, by opcode and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crud_client_request_duration_seconds",
			Help:    "Time taken for a request to receive its response.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		sentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crud_client_sent_bytes_total",
			Help: "Total bytes written to the object store connection.",
		}),
		receivedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crud_client_received_bytes_total",
			Help: "Total bytes read from the object store connection.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crud_client_connected",
			Help: "1 if the client has an open connection to the object store.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	var errs *multierror.Error
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.sentBytes, m.receivedBytes, m.connected} {
		if err := reg.Register(c); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return m, errs.ErrorOrNil()
}

func (m *metrics) observe(op crud.Op, resp crud.Response, err error, took time.Duration) {
	result := "success"
	switch {
	case err != nil:
		result = "error"
	case resp.Header.Result == crud.ResultFailure:
		result = "failure"
	}
	m.requests.WithLabelValues(op.String(), result).Inc()
	m.duration.WithLabelValues(op.String()).Observe(took.Seconds())
}
