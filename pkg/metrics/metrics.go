// Package metrics exports per-shard counters to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"shardkv/pkg/request"
)

const namespace = "shardkv"

// Metrics holds the node-wide collectors. Workers use the pre-resolved
// children returned by Shard, so the hot path never builds label maps.
type Metrics struct {
	requests    *prometheus.CounterVec
	forwarded   *prometheus.CounterVec
	channelFull *prometheus.CounterVec
	idleSweeps  *prometheus.CounterVec
	keys        *prometheus.GaugeVec
	pinned      *prometheus.GaugeVec
	failures    prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_applied_total",
			Help:      "Requests applied by a shard, by operation.",
		}, []string{"shard", "op"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_forwarded_total",
			Help:      "Ingress requests forwarded to the owning shard over the mesh.",
		}, []string{"shard"}),
		channelFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_full_total",
			Help:      "Sends rejected because the destination channel was full.",
		}, []string{"shard"}),
		idleSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_sweeps_total",
			Help:      "Sweeps over all inbound channels that found no work.",
		}, []string{"shard"}),
		keys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys",
			Help:      "Keys held by a shard.",
		}, []string{"shard"}),
		pinned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_pinned",
			Help:      "1 if the shard worker is pinned to its core.",
		}, []string{"shard"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Shard workers that terminated abnormally.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.forwarded, m.channelFull, m.idleSweeps, m.keys, m.pinned, m.failures)
	}
	return m
}

// WorkerFailed counts a worker that panicked.
func (m *Metrics) WorkerFailed() { m.failures.Inc() }

// Shard returns the collectors of one shard.
func (m *Metrics) Shard(id int) *Shard {
	label := strconv.Itoa(id)
	return &Shard{
		Puts:        m.requests.WithLabelValues(label, request.OpPut.String()),
		Gets:        m.requests.WithLabelValues(label, request.OpGet.String()),
		Flushes:     m.requests.WithLabelValues(label, request.OpFlush.String()),
		Forwarded:   m.forwarded.WithLabelValues(label),
		ChannelFull: m.channelFull.WithLabelValues(label),
		IdleSweeps:  m.idleSweeps.WithLabelValues(label),
		Keys:        m.keys.WithLabelValues(label),
		Pinned:      m.pinned.WithLabelValues(label),
	}
}

type Shard struct {
	Puts        prometheus.Counter
	Gets        prometheus.Counter
	Flushes     prometheus.Counter
	Forwarded   prometheus.Counter
	ChannelFull prometheus.Counter
	IdleSweeps  prometheus.Counter
	Keys        prometheus.Gauge
	Pinned      prometheus.Gauge
}

// Applied counts one applied request.
func (s *Shard) Applied(op request.Op) {
	switch op {
	case request.OpPut:
		s.Puts.Inc()
	case request.OpGet:
		s.Gets.Inc()
	case request.OpFlush:
		s.Flushes.Inc()
	}
}
