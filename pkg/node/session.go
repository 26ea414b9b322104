package node

import (
	"context"
	"fmt"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/request"
	"shardkv/pkg/types"
)

// Session is a caller's entry point into the node. Requests submitted
// through one session reach their owner in submission order, so a Get after
// a Put of the same key observes the Put. Sessions are safe for concurrent
// use.
type Session[K types.Key, V any] struct {
	node *Node[K, V]
	home types.ShardID
	port *port[K, V]
}

func (s *Session[K, V]) Home() types.ShardID { return s.home }

// Submit routes req to the owner of its key. It never blocks: a full
// ingress yields dberrors.ErrChannelFull and the caller decides whether
// to retry.
func (s *Session[K, V]) Submit(req request.Request[K, V]) (types.ShardID, error) {
	dst := s.node.Route(req.Key)
	return dst, s.SubmitTo(dst, req)
}

// SubmitTo sends req to shard dst regardless of which shard owns the key.
func (s *Session[K, V]) SubmitTo(dst types.ShardID, req request.Request[K, V]) error {
	if dst < 0 || int(dst) >= s.node.Shards() {
		return fmt.Errorf("%w: shard %d", dberrors.ErrNoSuchPeer, dst)
	}
	return s.port.push(req.To(dst))
}

// Put stores value and returns the value it replaced, if any.
func (s *Session[K, V]) Put(ctx context.Context, key K, value V) (prev V, existed bool, err error) {
	reply := request.NewReply[V]()
	if _, err = s.Submit(request.NewPut(key, value).WithReply(reply)); err != nil {
		return prev, false, err
	}
	res, err := wait(ctx, reply)
	return res.Value, res.Found, err
}

func (s *Session[K, V]) Get(ctx context.Context, key K) (value V, found bool, err error) {
	reply := request.NewReply[V]()
	if _, err = s.Submit(request.NewGet[K, V](key).WithReply(reply)); err != nil {
		return value, false, err
	}
	res, err := wait(ctx, reply)
	return res.Value, res.Found, err
}

// GetFrom reads key on shard dst, owner or not.
func (s *Session[K, V]) GetFrom(ctx context.Context, dst types.ShardID, key K) (value V, found bool, err error) {
	reply := request.NewReply[V]()
	if err = s.SubmitTo(dst, request.NewGet[K, V](key).WithReply(reply)); err != nil {
		return value, false, err
	}
	res, err := wait(ctx, reply)
	return res.Value, res.Found, err
}

// Flush waits until the home shard applied everything this session
// submitted to it before the call.
func (s *Session[K, V]) Flush(ctx context.Context) error {
	reply := request.NewReply[V]()
	if err := s.SubmitTo(s.home, request.NewFlush[K, V]().WithReply(reply)); err != nil {
		return err
	}
	_, err := wait(ctx, reply)
	return err
}

func wait[V any](ctx context.Context, reply <-chan request.Result[V]) (request.Result[V], error) {
	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return request.Result[V]{}, ctx.Err()
	}
}
