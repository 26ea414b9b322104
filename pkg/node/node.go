// Package node owns the shards of one process, the channel mesh between
// them and the lifecycle of their worker threads.
//
// A Node is built once: cores are probed, one shard per core is allocated
// and every ordered pair of shards gets its own bounded channel. Start hands
// each shard to a goroutine locked to an OS thread and pinned to its core.
// After that the node reaches shard data only through channels.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"shardkv/pkg/affinity"
	"shardkv/pkg/dberrors"
	"shardkv/pkg/metrics"
	"shardkv/pkg/request"
	"shardkv/pkg/shard"
	"shardkv/pkg/sharding"
	"shardkv/pkg/types"
)

type worker struct {
	shard types.ShardID
	done  chan struct{}
	err   error
}

type Node[K types.Key, V any] struct {
	id       types.NodeID
	cores    []types.CoreID
	pinned   bool
	channels int

	hasher   sharding.KeyHasher[K]
	probes   []*shard.Probe
	ports    []*port[K, V]
	shutdown *shard.Shutdown

	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	shards  []*shard.Shard[K, V] // all set before Start, all nil after
	started bool
	closed  bool
	workers []*worker

	stopOnce sync.Once
	stopErr  error
}

// New probes the cores and builds max(cores, minShards) wired shards.
//
// When the platform cannot enumerate cores the node runs minShards unpinned
// shards, or fails with dberrors.ErrNoCoresDetected if no floor is given.
func New[K types.Key, V any](id types.NodeID, minShards int, opts ...Option) (*Node[K, V], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	if o.channelCapacity <= 0 || o.ingressCapacity <= 0 {
		return nil, fmt.Errorf("node: channel capacity must be positive (mesh=%d, ingress=%d)",
			o.channelCapacity, o.ingressCapacity)
	}
	log := o.logger.With("node", int(id))

	pinned := true
	cores, err := o.topology.Cores()
	switch {
	case errors.Is(err, dberrors.ErrUnavailable):
		if minShards <= 0 {
			return nil, fmt.Errorf("%w: %v", dberrors.ErrNoCoresDetected, err)
		}
		log.Warn("core enumeration unavailable, running unpinned", "error", err, "shards", minShards)
		cores, pinned = nil, false
	case err != nil:
		return nil, fmt.Errorf("node: enumerate cores: %w", err)
	}
	if _, ok := o.topology.(affinity.Unpinned); ok {
		pinned = false
	}

	count := max(len(cores), minShards)
	if count == 0 {
		return nil, dberrors.ErrNoCoresDetected
	}

	n := &Node[K, V]{
		id:       id,
		cores:    cores,
		pinned:   pinned,
		hasher:   sharding.Modulo[K]{},
		shards:   make([]*shard.Shard[K, V], count),
		probes:   make([]*shard.Probe, count),
		ports:    make([]*port[K, V], count),
		shutdown: shard.NewShutdown(),
		log:      log,
		metrics:  o.metrics,
	}

	for i := range n.shards {
		sid := types.ShardID(i)
		shardOpts := []shard.Option{
			shard.WithBatch(o.batch),
			shard.WithSpinBudget(o.spinBudget),
			shard.WithIdleBackoff(o.idleBackoff),
			shard.WithLogger(log),
			shard.WithMetrics(o.metrics.Shard(i)),
		}
		if pinned {
			// more shards than cores wrap around the core list
			shardOpts = append(shardOpts, shard.WithTopology(o.topology, cores[i%len(cores)]))
		}

		s := shard.New[K, V](sid, count, shardOpts...)
		n.shards[i] = s
		n.probes[i] = s.Probe()
		n.ports[i] = newPort(s, o.ingressCapacity)
	}

	if n.channels, err = buildMesh(n.shards, o.channelCapacity); err != nil {
		return nil, fmt.Errorf("node: build mesh: %w", err)
	}

	log.Info("node created", "shards", count, "cores", len(cores), "pinned", pinned, "channels", n.channels)
	return n, nil
}

func (n *Node[K, V]) ID() types.NodeID { return n.id }

// Shards is the fixed shard count.
func (n *Node[K, V]) Shards() int { return len(n.probes) }

// Channels is the number of directed shard-to-shard channels.
func (n *Node[K, V]) Channels() int { return n.channels }

// Cores returns the detected cores; empty when running unpinned.
func (n *Node[K, V]) Cores() []types.CoreID { return append([]types.CoreID(nil), n.cores...) }

func (n *Node[K, V]) Pinned() bool { return n.pinned }

// Shard gives access to a shard while the node still owns it, i.e. before
// Start. Afterwards it returns false.
func (n *Node[K, V]) Shard(id types.ShardID) (*shard.Shard[K, V], bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if id < 0 || int(id) >= len(n.shards) || n.shards[id] == nil {
		return nil, false
	}
	return n.shards[id], true
}

// Route returns the shard owning key. The result never changes during the
// node's lifetime.
func (n *Node[K, V]) Route(key K) types.ShardID {
	return n.hasher.ShardForKey(key, len(n.probes))
}

// Status returns the current view of every shard, by shard id.
func (n *Node[K, V]) Status() []shard.Status {
	res := make([]shard.Status, len(n.probes))
	for i, p := range n.probes {
		res[i] = p.Status()
	}
	return res
}

// Start spawns one worker per shard and returns immediately.
func (n *Node[K, V]) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case n.closed:
		return dberrors.ErrClosed
	case n.started:
		return dberrors.ErrAlreadyStarted
	}
	n.started = true

	n.shutdown.Add(len(n.shards))
	for i, s := range n.shards {
		w := &worker{shard: s.ID(), done: make(chan struct{})}
		n.workers = append(n.workers, w)
		n.shards[i] = nil

		go n.runWorker(w, s)
	}

	n.log.Info("node started", "workers", len(n.workers))
	return nil
}

func (n *Node[K, V]) runWorker(w *worker, s *shard.Shard[K, V]) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.err = &dberrors.WorkerFailure{Shard: int(w.shard), Value: r, Stack: debug.Stack()}
			n.metrics.WorkerFailed()
			n.log.Error("shard worker failed", "shard", int(w.shard), "panic", r)
		}
	}()

	s.Run(n.shutdown)
}

// Run starts the node and blocks until every worker exits. Cancelling ctx
// stops the node.
func (n *Node[K, V]) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- n.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return n.Stop()
	}
}

// Wait blocks until every started worker exits and returns their failures.
func (n *Node[K, V]) Wait() error {
	n.mu.Lock()
	workers := n.workers
	n.mu.Unlock()

	var errs []error
	for _, w := range workers {
		<-w.done
		if w.err != nil {
			errs = append(errs, w.err)
		}
	}
	return errors.Join(errs...)
}

// Stop shuts the node down: ingress is closed, workers finish what is queued
// and are joined in spawn order. Worker failures are returned joined.
// Calling Stop again returns the same result.
func (n *Node[K, V]) Stop() error {
	n.stopOnce.Do(func() { n.stopErr = n.stop() })
	return n.stopErr
}

// Close is Stop.
func (n *Node[K, V]) Close() error { return n.Stop() }

func (n *Node[K, V]) stop() error {
	n.mu.Lock()
	started := n.started
	n.closed = true
	if !started {
		// never started: just let go of the shards
		clear(n.shards)
	}
	n.mu.Unlock()

	for _, p := range n.ports {
		p.close()
	}
	if !started {
		return nil
	}

	n.shutdown.Request()
	n.shutdown.Quiesce()
	n.shutdown.Release()

	err := n.Wait()
	n.log.Info("node stopped", "error", err)
	return err
}

// Session binds a caller to a home shard. Requests enter through the home
// shard's ingress and are forwarded over the mesh to their owner.
func (n *Node[K, V]) Session(home types.ShardID) (*Session[K, V], error) {
	if home < 0 || int(home) >= len(n.ports) {
		return nil, fmt.Errorf("%w: home shard %d", dberrors.ErrNoSuchPeer, home)
	}
	return &Session[K, V]{node: n, home: home, port: n.ports[home]}, nil
}

// Flush waits until every request accepted by any session before the call
// is applied. Each home shard sends a FLUSH to every shard, so the marker
// travels behind everything that home already forwarded.
func (n *Node[K, V]) Flush(ctx context.Context) error {
	replies := make([]chan request.Result[V], 0, len(n.ports)*len(n.ports))
	for home, p := range n.ports {
		for dst := range n.ports {
			r := request.NewReply[V]()
			req := request.NewFlush[K, V]().To(types.ShardID(dst)).WithReply(r)
			if err := p.push(req); err != nil {
				return fmt.Errorf("flush via shard %d: %w", home, err)
			}
			replies = append(replies, r)
		}
	}
	for _, r := range replies {
		if _, err := wait(ctx, r); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

func (n *Node[K, V]) String() string {
	n.mu.Lock()
	owned := 0
	for _, s := range n.shards {
		if s != nil {
			owned++
		}
	}
	workers := len(n.workers)
	n.mu.Unlock()

	return fmt.Sprintf("Node{id: %d, cores: %d, shards: %d, owned_shards: %d, workers: %d}",
		n.id, len(n.cores), len(n.probes), owned, workers)
}
