package node

import (
	"fmt"
	"sync"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/request"
	"shardkv/pkg/shard"
	"shardkv/pkg/spsc"
	"shardkv/pkg/types"
)

// buildMesh connects every ordered pair of distinct shards with one channel
// and returns the number of channels wired: N×(N−1).
func buildMesh[K types.Key, V any](shards []*shard.Shard[K, V], capacity int) (int, error) {
	wired := 0
	for _, src := range shards {
		for _, dst := range shards {
			if src.ID() == dst.ID() {
				continue
			}
			if err := shard.Connect(src, dst, capacity); err != nil {
				return wired, fmt.Errorf("wire %d -> %d: %w", src.ID(), dst.ID(), err)
			}
			wired++
		}
	}
	return wired, nil
}

// port is the producer side of a shard's ingress. The channel takes a single
// producer, so pushes from concurrent callers are serialized here; the
// shard's data stays owned by its worker alone.
type port[K types.Key, V any] struct {
	home   types.ShardID
	mu     sync.Mutex
	closed bool
	p      *spsc.Producer[request.Request[K, V]]
}

func newPort[K types.Key, V any](s *shard.Shard[K, V], capacity int) *port[K, V] {
	p, c := spsc.New[request.Request[K, V]](capacity)
	s.AttachIngress(c)
	return &port[K, V]{home: s.ID(), p: p}
}

func (p *port[K, V]) push(req request.Request[K, V]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return dberrors.ErrClosed
	}
	if !p.p.TryPush(req) {
		return fmt.Errorf("%w: ingress of shard %d", dberrors.ErrChannelFull, p.home)
	}
	return nil
}

func (p *port[K, V]) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
