// Package request defines the messages exchanged between shards.
package request

import (
	"shardkv/pkg/types"
)

type Op uint8

const (
	OpPut Op = iota + 1
	OpGet
	// OpFlush is answered once every request queued ahead of it on the
	// same path has been applied.
	OpFlush
)

func (op Op) String() string {
	switch op {
	case OpPut:
		return "PUT"
	case OpGet:
		return "GET"
	case OpFlush:
		return "FLUSH"
	default:
		return "UNKNOWN"
	}
}

// Result is the reply to a request.
type Result[V any] struct {
	Value V    // GET: stored value; PUT: previous value
	Found bool // GET: key present; PUT: key existed before
	Err   error
}

// Request is a PUT, GET or FLUSH addressed to the shard that owns Key.
// It is passed by value; With* helpers return modified copies.
type Request[K types.Key, V any] struct {
	Op     Op
	Key    K
	Value  V
	Target types.ShardID

	// Reply, when set, receives exactly one Result. It must have room for it
	// (see NewReply) since shards never block on a reply.
	Reply chan<- Result[V]
}

func NewPut[K types.Key, V any](key K, value V) Request[K, V] {
	return Request[K, V]{Op: OpPut, Key: key, Value: value}
}

func NewGet[K types.Key, V any](key K) Request[K, V] {
	return Request[K, V]{Op: OpGet, Key: key}
}

func NewFlush[K types.Key, V any]() Request[K, V] {
	return Request[K, V]{Op: OpFlush}
}

// NewReply returns a reply channel with room for the single Result.
func NewReply[V any]() chan Result[V] {
	return make(chan Result[V], 1)
}

func (r Request[K, V]) To(target types.ShardID) Request[K, V] {
	r.Target = target
	return r
}

func (r Request[K, V]) WithReply(reply chan<- Result[V]) Request[K, V] {
	r.Reply = reply
	return r
}

// Respond delivers res if the sender asked for a reply. It never blocks:
// a reply channel that is already full drops res and reports false.
func (r Request[K, V]) Respond(res Result[V]) bool {
	if r.Reply == nil {
		return true
	}
	select {
	case r.Reply <- res:
		return true
	default:
		return false
	}
}

// Fail replies with err.
func (r Request[K, V]) Fail(err error) bool {
	return r.Respond(Result[V]{Err: err})
}
