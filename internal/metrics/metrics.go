// Package metrics exposes per worker Prometheus collectors and the
// operational HTTP endpoint serving them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker holds the collectors one worker process reports. A nil
// *Worker is valid and drops every measurement, so callers never need
// an enabled check.
type Worker struct {
	consumed      prometheus.Counter
	acked         prometheus.Counter
	rejected      *prometheus.CounterVec
	processing    prometheus.Histogram
	archivedBytes prometheus.Counter
	verifiedBytes prometheus.Counter
}

// NewWorker registers the worker collectors with reg. The service and
// queue names become constant labels, one worker process serves
// exactly one queue.
func NewWorker(reg prometheus.Registerer, service, queue string) *Worker {
	if reg == nil {
		return nil
	}

	labels := prometheus.Labels{"service": service, "queue": queue}

	return &Worker{
		consumed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "seqvault_messages_consumed_total",
			Help:        "Total number of messages taken off the queue",
			ConstLabels: labels,
		}),
		acked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "seqvault_messages_acked_total",
			Help:        "Total number of messages processed and acknowledged",
			ConstLabels: labels,
		}),
		rejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "seqvault_messages_rejected_total",
			Help:        "Total number of messages rejected, split by fault attribution",
			ConstLabels: labels,
		}, []string{"from_user"}),
		processing: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "seqvault_processing_seconds",
			Help: "Wall clock time spent handling one message",
			Buckets: []float64{
				0.1, // trivial messages (finalize)
				0.5,
				1,
				5,
				15,  // small files
				60,  // medium files
				300, // multi-gigabyte files
				900,
			},
			ConstLabels: labels,
		}),
		archivedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "seqvault_archived_bytes_total",
			Help:        "Total ciphertext bytes copied into the archive",
			ConstLabels: labels,
		}),
		verifiedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "seqvault_verified_bytes_total",
			Help:        "Total plaintext bytes decrypted during verification",
			ConstLabels: labels,
		}),
	}
}

func (m *Worker) MessageConsumed() {
	if m == nil {
		return
	}
	m.consumed.Inc()
}

func (m *Worker) MessageAcked() {
	if m == nil {
		return
	}
	m.acked.Inc()
}

func (m *Worker) MessageRejected(fromUser bool) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(strconv.FormatBool(fromUser)).Inc()
}

func (m *Worker) ObserveProcessing(d time.Duration) {
	if m == nil {
		return
	}
	m.processing.Observe(d.Seconds())
}

func (m *Worker) AddArchivedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.archivedBytes.Add(float64(n))
}

func (m *Worker) AddVerifiedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.verifiedBytes.Add(float64(n))
}
