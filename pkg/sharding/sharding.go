package sharding

import (
	"math"
	"reflect"

	"github.com/cespare/xxhash/v2"

	"shardkv/pkg/types"
)

// KeyHasher deterministically maps keys to shard IDs.
type KeyHasher[K types.Key] interface {
	ShardForKey(key K, totalShards int) types.ShardID
}

// Modulo assigns Hash(key) mod totalShards. Integer keys hash to
// themselves, so key 7 on four shards lands on shard 3.
type Modulo[K types.Key] struct{}

func (Modulo[K]) ShardForKey(key K, totalShards int) types.ShardID {
	if totalShards <= 0 {
		return 0
	}
	return types.ShardID(Hash(key) % uint64(totalShards))
}

// Hash returns a stable 64-bit hash of key: identity for integers,
// xxhash64 for strings and for the bit pattern of floats.
func Hash[K types.Key](key K) uint64 {
	switch k := any(key).(type) {
	case int:
		return uint64(k)
	case int64:
		return uint64(k)
	case int32:
		return uint64(k)
	case uint:
		return uint64(k)
	case uint64:
		return k
	case uint32:
		return uint64(k)
	case string:
		return xxhash.Sum64String(k)
	case float64:
		return hashFloat(k)
	}

	// named and less common key types
	v := reflect.ValueOf(key)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return hashFloat(v.Float())
	default:
		return xxhash.Sum64String(v.String())
	}
}

func hashFloat(f float64) uint64 {
	switch {
	case f == 0:
		f = 0 // -0 and +0 compare equal and must share an owner
	case math.IsNaN(f):
		f = math.NaN() // one owner for every NaN payload
	}
	var b [8]byte
	bits := math.Float64bits(f)
	for i := range b {
		b[i] = byte(bits >> (8 * i))
	}
	return xxhash.Sum64(b[:])
}
