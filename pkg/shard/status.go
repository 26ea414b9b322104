package shard

import (
	"sync"
	"sync/atomic"

	"shardkv/pkg/types"
)

// State is the position of a shard worker in its lifecycle:
// Idle → Pinning → Draining → ShuttingDown → Stopped.
type State int32

const (
	StateIdle State = iota
	StatePinning
	StateDraining
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePinning:
		return "pinning"
	case StateDraining:
		return "draining"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as a name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of a shard.
type Status struct {
	ID      types.ShardID `json:"id"`
	Core    types.CoreID  `json:"core"`
	Pinned  bool          `json:"pinned"`
	State   State         `json:"state"`
	Keys    int64         `json:"keys"`
	Applied uint64        `json:"applied"`
}

// Probe publishes a shard's status to other goroutines. It is the only
// part of a shard that stays reachable once the shard belongs to its worker.
type Probe struct {
	id   types.ShardID
	core types.CoreID

	state   atomic.Int32
	pinned  atomic.Bool
	keys    atomic.Int64
	applied atomic.Uint64
}

func (p *Probe) Status() Status {
	return Status{
		ID:      p.id,
		Core:    p.core,
		Pinned:  p.pinned.Load(),
		State:   State(p.state.Load()),
		Keys:    p.keys.Load(),
		Applied: p.applied.Load(),
	}
}

func (p *Probe) setState(s State) { p.state.Store(int32(s)) }

// Shutdown is the stop signal shared by all workers of a node.
//
// Stopping happens in two steps. Request asks every worker to stop
// forwarding; each worker acknowledges once its ingress is drained.
// Release, called after Quiesce, lets workers run a final drain and exit.
// Nothing can be pushed onto a mesh channel after every worker has
// acknowledged, so the final drain loses no message.
type Shutdown struct {
	stopping atomic.Bool
	stopped  atomic.Bool
	acks     sync.WaitGroup
}

func NewShutdown() *Shutdown { return &Shutdown{} }

// Add registers n workers that will acknowledge.
func (s *Shutdown) Add(n int) { s.acks.Add(n) }

func (s *Shutdown) Request() { s.stopping.Store(true) }

func (s *Shutdown) Requested() bool { return s.stopping.Load() }

// Quiesce blocks until every registered worker acknowledged Request.
func (s *Shutdown) Quiesce() { s.acks.Wait() }

func (s *Shutdown) Release() { s.stopped.Store(true) }

func (s *Shutdown) ack() { s.acks.Done() }
