package node

import (
	"log/slog"
	"time"

	"shardkv/pkg/affinity"
	"shardkv/pkg/metrics"
	"shardkv/pkg/spsc"
)

const (
	defaultIngressCapacity = 1024
	defaultSpinBudget      = 64
	defaultIdleBackoff     = 100 * time.Microsecond
)

type options struct {
	topology        affinity.Topology
	channelCapacity int
	ingressCapacity int
	batch           int
	spinBudget      int
	idleBackoff     time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

type Option func(*options)

func defaultOptions() options {
	return options{
		topology:        affinity.Host(),
		channelCapacity: spsc.DefaultCapacity,
		ingressCapacity: defaultIngressCapacity,
		batch:           spsc.DefaultCapacity,
		spinBudget:      defaultSpinBudget,
		idleBackoff:     defaultIdleBackoff,
	}
}

// WithTopology replaces core enumeration and pinning. Use affinity.Unpinned{}
// to run without affinity.
func WithTopology(t affinity.Topology) Option { return func(o *options) { o.topology = t } }

// WithChannelCapacity sets the size of every shard-to-shard channel.
func WithChannelCapacity(n int) Option { return func(o *options) { o.channelCapacity = n } }

// WithIngressCapacity sets the size of each shard's external ingress channel.
func WithIngressCapacity(n int) Option { return func(o *options) { o.ingressCapacity = n } }

func WithBatch(n int) Option { return func(o *options) { o.batch = n } }

func WithSpinBudget(n int) Option { return func(o *options) { o.spinBudget = n } }

func WithIdleBackoff(d time.Duration) Option { return func(o *options) { o.idleBackoff = d } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }
