package types

import "strconv"

// CoreID identifies a logical CPU core as reported by the platform.
type CoreID int

func (c CoreID) String() string { return "core-" + strconv.Itoa(int(c)) }

// ShardID identifies a shard inside a node: 0..N-1.
type ShardID int

func (s ShardID) String() string { return "shard-" + strconv.Itoa(int(s)) }

// NodeID is the caller-supplied identity of a node.
type NodeID int

// Key is the set of key types a shard can own. Keys are compared and
// ordered by value and copied when they cross a channel.
type Key interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr |
		~float32 | ~float64 |
		~string
}
