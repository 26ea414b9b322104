// Package memtable holds the local partition of one shard.
//
// A Memtable is owned by exactly one shard goroutine: Insert and Get are
// called only from it. Len is safe from any goroutine.
package memtable

import (
	"cmp"

	"github.com/zhangyunhao116/skipmap"

	"shardkv/pkg/types"
)

type orderedMap[K types.Key, V any] = skipmap.FuncMap[K, V]

type Memtable[K types.Key, V any] struct {
	data *orderedMap[K, V]
}

func New[K types.Key, V any]() *Memtable[K, V] {
	return &Memtable[K, V]{
		// cmp.Less orders NaN before every other float and equal to itself
		data: skipmap.NewFunc[K, V](cmp.Less[K]),
	}
}

// Insert stores value under key and returns the value it replaced, if any.
func (mt *Memtable[K, V]) Insert(key K, value V) (prev V, existed bool) {
	prev, existed = mt.data.Load(key)
	mt.data.Store(key, value)
	return prev, existed
}

func (mt *Memtable[K, V]) Get(key K) (V, bool) {
	return mt.data.Load(key)
}

func (mt *Memtable[K, V]) Len() int {
	return mt.data.Len()
}

// Keys returns all keys in ascending order.
func (mt *Memtable[K, V]) Keys() []K {
	keys := make([]K, 0, mt.data.Len())
	mt.data.Range(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Range calls f for each entry in key order until f returns false.
func (mt *Memtable[K, V]) Range(f func(key K, value V) bool) {
	mt.data.Range(f)
}
