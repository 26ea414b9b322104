//go:build !linux

package affinity

import (
	"shardkv/pkg/dberrors"
	"shardkv/pkg/types"
)

// host has no affinity support outside Linux; the node falls back to
// unpinned workers.
type host struct{}

func (host) Cores() ([]types.CoreID, error) { return nil, dberrors.ErrUnavailable }

func (host) Pin(types.CoreID) error { return dberrors.ErrUnavailable }
