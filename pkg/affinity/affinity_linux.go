//go:build linux

package affinity

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/types"
)

type host struct{}

func (host) Cores() ([]types.CoreID, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("%w: sched_getaffinity: %v", dberrors.ErrUnavailable, err)
	}

	n := set.Count()
	maxCPU := int(unsafe.Sizeof(set)) * 8
	ids := make([]types.CoreID, 0, n)
	for i := 0; i < maxCPU && len(ids) < n; i++ {
		if set.IsSet(i) {
			ids = append(ids, types.CoreID(i))
		}
	}
	return ids, nil
}

// Pin applies to the calling thread (pid 0).
func (host) Pin(core types.CoreID) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(int(core))
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity %s: %w", core, err)
	}
	return nil
}
