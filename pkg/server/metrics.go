package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by every Server of a Service, so it is registered
// only once.
type Metrics struct {
	datagrams prometheus.Counter
	malformed prometheus.Counter
	dropped   prometheus.Counter
	refused   prometheus.Counter
	truncated prometheus.Counter
}

// NewMetrics registers the server metrics to reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		datagrams: f.NewCounter(prometheus.CounterOpts{
			Name: "server_datagrams_total",
			Help: "The total number of datagrams received.",
		}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Name: "server_malformed_total",
			Help: "The total number of datagrams that could not be decoded as a query.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "server_dropped_total",
			Help: "The total number of datagrams dropped because the query queue was full.",
		}),
		refused: f.NewCounter(prometheus.CounterOpts{
			Name: "server_refused_total",
			Help: "The total number of queries refused by the client ACL.",
		}),
		truncated: f.NewCounter(prometheus.CounterOpts{
			Name: "server_truncated_total",
			Help: "The total number of responses truncated to the client's UDP size.",
		}),
	}
}
