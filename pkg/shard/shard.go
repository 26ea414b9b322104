// Package shard implements one partition of the keyspace and the worker loop
// that owns it.
//
// A shard is built and wired by its node, then handed to a dedicated
// goroutine locked to an OS thread. From then on only that goroutine touches
// the memtable; everything else talks to the shard through its channels.
package shard

import (
	"fmt"
	"log/slog"
	"time"

	"shardkv/pkg/affinity"
	"shardkv/pkg/dberrors"
	"shardkv/pkg/memtable"
	"shardkv/pkg/metrics"
	"shardkv/pkg/request"
	"shardkv/pkg/spsc"
	"shardkv/pkg/types"
)

const (
	defaultSpinBudget  = 64
	defaultIdleBackoff = 100 * time.Microsecond
)

type (
	producer[K types.Key, V any] = spsc.Producer[request.Request[K, V]]
	consumer[K types.Key, V any] = spsc.Consumer[request.Request[K, V]]
)

type options struct {
	topology    affinity.Topology
	core        types.CoreID
	batch       int
	spinBudget  int
	idleBackoff time.Duration
	logger      *slog.Logger
	metrics     *metrics.Shard
}

type Option func(*options)

// WithTopology pins the worker to core through topo. Without it the worker
// runs unpinned.
func WithTopology(topo affinity.Topology, core types.CoreID) Option {
	return func(o *options) {
		o.topology = topo
		o.core = core
	}
}

// WithBatch caps how many requests one channel yields per sweep.
// Zero means drain until empty.
func WithBatch(n int) Option { return func(o *options) { o.batch = n } }

// WithSpinBudget sets how many empty sweeps yield with Gosched before the
// worker starts sleeping.
func WithSpinBudget(n int) Option { return func(o *options) { o.spinBudget = n } }

func WithIdleBackoff(d time.Duration) Option { return func(o *options) { o.idleBackoff = d } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m *metrics.Shard) Option { return func(o *options) { o.metrics = m } }

type Shard[K types.Key, V any] struct {
	id    types.ShardID
	table *memtable.Memtable[K, V]

	// out[dst] sends to shard dst, in[src] receives from shard src.
	// Both are nil at the shard's own index.
	out     []*producer[K, V]
	in      []*consumer[K, V]
	ingress *consumer[K, V]

	probe *Probe
	opts  options
	log   *slog.Logger
	stats *metrics.Shard

	// set once the shard acknowledged shutdown; it forwards nothing after that
	quiesced bool
}

// New allocates an empty shard with peerCount unwired channel slots.
func New[K types.Key, V any](id types.ShardID, peerCount int, opts ...Option) *Shard[K, V] {
	o := options{
		batch:       spsc.DefaultCapacity,
		spinBudget:  defaultSpinBudget,
		idleBackoff: defaultIdleBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil).Shard(int(id))
	}

	s := &Shard[K, V]{
		id:    id,
		table: memtable.New[K, V](),
		out:   make([]*producer[K, V], peerCount),
		in:    make([]*consumer[K, V], peerCount),
		probe: &Probe{id: id, core: o.core},
		opts:  o,
		log:   o.logger.With("shard", int(id)),
		stats: o.metrics,
	}
	return s
}

// Connect wires one directed channel of the given capacity from src to dst.
func Connect[K types.Key, V any](src, dst *Shard[K, V], capacity int) error {
	switch {
	case src.id == dst.id:
		return fmt.Errorf("%w: shard %d cannot connect to itself", dberrors.ErrNoSuchPeer, src.id)
	case int(dst.id) >= len(src.out) || int(src.id) >= len(dst.in) || dst.id < 0 || src.id < 0:
		return fmt.Errorf("%w: %d -> %d out of range", dberrors.ErrNoSuchPeer, src.id, dst.id)
	case src.out[dst.id] != nil || dst.in[src.id] != nil:
		return fmt.Errorf("shard: channel %d -> %d already wired", src.id, dst.id)
	}

	p, c := spsc.New[request.Request[K, V]](capacity)
	src.out[dst.id] = p
	dst.in[src.id] = c
	return nil
}

// AttachIngress sets the channel external callers submit through.
func (s *Shard[K, V]) AttachIngress(c *spsc.Consumer[request.Request[K, V]]) {
	s.ingress = c
}

func (s *Shard[K, V]) ID() types.ShardID { return s.id }

func (s *Shard[K, V]) Probe() *Probe { return s.probe }

// HasOutbound reports whether a channel to dst is wired.
func (s *Shard[K, V]) HasOutbound(dst types.ShardID) bool {
	return dst >= 0 && int(dst) < len(s.out) && s.out[dst] != nil
}

// HasInbound reports whether a channel from src is wired.
func (s *Shard[K, V]) HasInbound(src types.ShardID) bool {
	return src >= 0 && int(src) < len(s.in) && s.in[src] != nil
}

// Insert stores value locally and returns the replaced value, if any.
// Only the owning goroutine may call it once the shard runs.
func (s *Shard[K, V]) Insert(key K, value V) (V, bool) {
	prev, existed := s.table.Insert(key, value)
	n := s.table.Len()
	s.probe.keys.Store(int64(n))
	s.stats.Keys.Set(float64(n))
	return prev, existed
}

// Get reads the local partition.
func (s *Shard[K, V]) Get(key K) (V, bool) {
	return s.table.Get(key)
}

func (s *Shard[K, V]) Len() int { return s.table.Len() }

// Send enqueues req on the channel to shard dst without blocking.
func (s *Shard[K, V]) Send(dst types.ShardID, req request.Request[K, V]) error {
	if !s.HasOutbound(dst) {
		return fmt.Errorf("%w: shard %d has no channel to %d", dberrors.ErrNoSuchPeer, s.id, dst)
	}
	if !s.out[dst].TryPush(req) {
		s.stats.ChannelFull.Inc()
		return fmt.Errorf("%w: %d -> %d", dberrors.ErrChannelFull, s.id, dst)
	}
	return nil
}
