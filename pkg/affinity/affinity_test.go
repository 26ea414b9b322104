package affinity

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/types"
)

func TestUnpinned(t *testing.T) {
	cores, err := Unpinned{}.Cores()
	require.NoError(t, err)
	require.Len(t, cores, runtime.NumCPU())
	for i, c := range cores {
		assert.Equal(t, types.CoreID(i), c)
	}
	assert.NoError(t, Unpinned{}.Pin(0))
}

func TestStatic(t *testing.T) {
	s := NewStatic(3)
	cores, err := s.Cores()
	require.NoError(t, err)
	assert.Equal(t, []types.CoreID{0, 1, 2}, cores)

	// Cores hands out a copy
	cores[0] = 42
	again, _ := s.Cores()
	assert.Equal(t, types.CoreID(0), again[0])

	var pinned []types.CoreID
	s.PinFunc = func(c types.CoreID) error {
		pinned = append(pinned, c)
		return nil
	}
	require.NoError(t, s.Pin(2))
	assert.Equal(t, []types.CoreID{2}, pinned)
}

func TestStatic_Unavailable(t *testing.T) {
	s := &Static{Err: dberrors.ErrUnavailable}
	_, err := s.Cores()
	assert.True(t, errors.Is(err, dberrors.ErrUnavailable))
}

func TestHost_PinFirstCore(t *testing.T) {
	cores, err := Host().Cores()
	if errors.Is(err, dberrors.ErrUnavailable) {
		t.Skip("affinity not supported on this platform")
	}
	require.NoError(t, err)
	require.NotEmpty(t, cores)

	done := make(chan error, 1)
	go func() {
		// поток не возвращаем в пул: горутина завершается залоченной
		runtime.LockOSThread()
		done <- Host().Pin(cores[0])
	}()
	assert.NoError(t, <-done)
}
