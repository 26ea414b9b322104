// Package affinity enumerates logical CPU cores and pins OS threads to them.
//
// Pin restricts the calling OS thread, so a goroutine must hold
// runtime.LockOSThread before calling it and keep the lock for as long as
// the pinning should apply.
package affinity

import (
	"runtime"

	"shardkv/pkg/types"
)

// Topology is the capability the node needs from the platform.
type Topology interface {
	// Cores reports the logical cores the process may run on.
	// Returns dberrors.ErrUnavailable when the platform cannot tell.
	Cores() ([]types.CoreID, error)
	// Pin restricts the calling thread to one core.
	Pin(core types.CoreID) error
}

// Host returns the topology of the running machine.
func Host() Topology { return host{} }

// Unpinned reports runtime.NumCPU() cores and never pins.
type Unpinned struct{}

func (Unpinned) Cores() ([]types.CoreID, error) { return sequence(runtime.NumCPU()), nil }

func (Unpinned) Pin(types.CoreID) error { return nil }

// Static is a fixed topology. PinFunc, when set, is called from every
// worker thread instead of touching the OS.
type Static struct {
	IDs     []types.CoreID
	Err     error
	PinFunc func(core types.CoreID) error
}

// NewStatic returns a Static topology with cores 0..n-1.
func NewStatic(n int) *Static {
	return &Static{IDs: sequence(n)}
}

func (s *Static) Cores() ([]types.CoreID, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]types.CoreID(nil), s.IDs...), nil
}

func (s *Static) Pin(core types.CoreID) error {
	if s.PinFunc == nil {
		return nil
	}
	return s.PinFunc(core)
}

func sequence(n int) []types.CoreID {
	ids := make([]types.CoreID, n)
	for i := range ids {
		ids[i] = types.CoreID(i)
	}
	return ids
}
