// Package spsc implements a bounded, lock-free, single-producer/single-consumer
// queue. Exactly one goroutine may push and exactly one goroutine may pop;
// both operations are non-blocking.
package spsc

import "sync/atomic"

// DefaultCapacity is the channel size used for the shard mesh.
const DefaultCapacity = 100

const cacheLine = 64

// ring keeps head and tail on separate cache lines so the producer
// (writes tail) and the consumer (writes head) never share one.
type ring[T any] struct {
	_    [cacheLine]byte
	head atomic.Uint64 // next slot to read, owned by the consumer
	_    [cacheLine - 8]byte
	tail atomic.Uint64 // next slot to write, owned by the producer
	_    [cacheLine - 8]byte

	buf []T
}

// Producer is the push end of a channel.
type Producer[T any] struct {
	r *ring[T]
	// last head seen; refreshed only when the ring looks full
	head uint64
}

// Consumer is the pop end of a channel.
type Consumer[T any] struct {
	r *ring[T]
	// last tail seen; refreshed only when the ring looks empty
	tail uint64
}

// New returns a bound producer/consumer pair holding at most capacity
// elements. It panics if capacity is not positive.
func New[T any](capacity int) (*Producer[T], *Consumer[T]) {
	if capacity <= 0 {
		panic("spsc: capacity must be > 0")
	}
	r := &ring[T]{buf: make([]T, capacity)}
	return &Producer[T]{r: r}, &Consumer[T]{r: r}
}

// TryPush appends v and reports true, or reports false when the channel is full.
func (p *Producer[T]) TryPush(v T) bool {
	r := p.r
	size := uint64(len(r.buf))
	t := r.tail.Load()

	if t-p.head >= size {
		p.head = r.head.Load()
		if t-p.head >= size {
			return false
		}
	}

	r.buf[t%size] = v
	r.tail.Store(t + 1) // publish to consumer
	return true
}

// Len is the number of queued elements as seen by the producer.
func (p *Producer[T]) Len() int { return p.r.len() }

// Cap is the fixed capacity of the channel.
func (p *Producer[T]) Cap() int { return len(p.r.buf) }

// TryPop removes the oldest element. ok is false when the channel is empty.
func (c *Consumer[T]) TryPop() (v T, ok bool) {
	r := c.r
	h := r.head.Load()

	if h == c.tail {
		c.tail = r.tail.Load()
		if h == c.tail {
			return v, false
		}
	}

	i := h % uint64(len(r.buf))
	v = r.buf[i]
	var zero T
	r.buf[i] = zero // drop the reference held by the slot
	r.head.Store(h + 1)
	return v, true
}

// Len is the number of queued elements as seen by the consumer.
func (c *Consumer[T]) Len() int { return c.r.len() }

// Cap is the fixed capacity of the channel.
func (c *Consumer[T]) Cap() int { return len(c.r.buf) }

func (r *ring[T]) len() int {
	h := r.head.Load()
	t := r.tail.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}
