package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardkv/pkg/affinity"
	"shardkv/pkg/dberrors"
	"shardkv/pkg/metrics"
	"shardkv/pkg/request"
	"shardkv/pkg/shard"
	"shardkv/pkg/types"
)

const waitTimeout = 5 * time.Second

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestNode(t *testing.T, cores, minShards int, opts ...Option) *Node[int, int] {
	t.Helper()
	opts = append([]Option{
		WithTopology(affinity.NewStatic(cores)),
		WithLogger(quiet),
		WithIdleBackoff(50 * time.Microsecond),
	}, opts...)

	n, err := New[int, int](1, minShards, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_FullMesh(t *testing.T) {
	for _, n := range []int{1, 2, 4, 7} {
		t.Run(fmt.Sprintf("shards=%d", n), func(t *testing.T) {
			node := newTestNode(t, n, 0)

			require.Equal(t, n, node.Shards())
			assert.Equal(t, n*(n-1), node.Channels())

			for i := 0; i < n; i++ {
				s, ok := node.Shard(types.ShardID(i))
				require.True(t, ok)
				for j := 0; j < n; j++ {
					peer := types.ShardID(j)
					if i == j {
						assert.False(t, s.HasOutbound(peer), "diagonal must be empty")
						assert.False(t, s.HasInbound(peer), "diagonal must be empty")
						continue
					}
					assert.True(t, s.HasOutbound(peer))
					assert.True(t, s.HasInbound(peer))
				}
			}
		})
	}
}

func TestNew_MinShardsFloor(t *testing.T) {
	node := newTestNode(t, 2, 5)

	require.Equal(t, 5, node.Shards())
	assert.Equal(t, 20, node.Channels())
	assert.True(t, node.Pinned())

	// shards past the core count wrap around
	st := node.Status()
	assert.Equal(t, types.CoreID(0), st[2].Core)
	assert.Equal(t, types.CoreID(1), st[3].Core)
}

func TestNew_CoresUnavailable(t *testing.T) {
	topo := &affinity.Static{Err: dberrors.ErrUnavailable}

	_, err := New[int, int](0, 0, WithTopology(topo), WithLogger(quiet))
	assert.ErrorIs(t, err, dberrors.ErrNoCoresDetected)

	n, err := New[int, int](0, 3, WithTopology(topo), WithLogger(quiet))
	require.NoError(t, err)
	assert.Equal(t, 3, n.Shards())
	assert.False(t, n.Pinned())
	assert.Empty(t, n.Cores())
	require.NoError(t, n.Stop())
}

func TestNew_UnpinnedTopology(t *testing.T) {
	n, err := New[int, int](0, 0, WithTopology(affinity.Unpinned{}), WithLogger(quiet))
	require.NoError(t, err)
	defer n.Stop()

	assert.False(t, n.Pinned())
	assert.Positive(t, n.Shards())
	require.NoError(t, n.Start())
	require.NoError(t, n.Stop())
	for _, st := range n.Status() {
		assert.False(t, st.Pinned)
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New[int, int](0, 0, WithTopology(affinity.NewStatic(0)), WithLogger(quiet))
	assert.ErrorIs(t, err, dberrors.ErrNoCoresDetected)

	boom := errors.New("boom")
	_, err = New[int, int](0, 4, WithTopology(&affinity.Static{Err: boom}), WithLogger(quiet))
	assert.ErrorIs(t, err, boom)

	_, err = New[int, int](0, 0, WithTopology(affinity.NewStatic(2)), WithChannelCapacity(0), WithLogger(quiet))
	assert.Error(t, err)
}

func TestRoute_Deterministic(t *testing.T) {
	node := newTestNode(t, 4, 0)

	assert.Equal(t, types.ShardID(3), node.Route(7))
	for k := 0; k < 1000; k++ {
		first := node.Route(k)
		assert.Equal(t, first, node.Route(k))
		assert.Equal(t, types.ShardID(k%4), first)
	}

	strNode, err := New[string, int](0, 0, WithTopology(affinity.NewStatic(5)), WithLogger(quiet))
	require.NoError(t, err)
	defer strNode.Stop()
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("user:%d", i)
		assert.Equal(t, strNode.Route(k), strNode.Route(k))
	}
}

func TestEndToEnd_PartitionIsolation(t *testing.T) {
	ctx := testCtx(t)
	node := newTestNode(t, 4, 0)
	require.NoError(t, node.Start())

	sess, err := node.Session(0)
	require.NoError(t, err)

	dst, err := sess.Submit(request.NewPut(7, 42))
	require.NoError(t, err)
	assert.Equal(t, types.ShardID(3), dst)

	v, found, err := sess.Get(ctx, 7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, v)

	// wrong owner: shard 1 never saw key 7
	_, found, err = sess.GetFrom(ctx, 1, 7)
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err = sess.GetFrom(ctx, 3, 7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, v)
}

func TestSession_PutReturnsPrevious(t *testing.T) {
	ctx := testCtx(t)
	node := newTestNode(t, 3, 0)
	require.NoError(t, node.Start())

	sess, err := node.Session(2)
	require.NoError(t, err)
	assert.Equal(t, types.ShardID(2), sess.Home())

	_, existed, err := sess.Put(ctx, 10, 1)
	require.NoError(t, err)
	assert.False(t, existed)

	prev, existed, err := sess.Put(ctx, 10, 2)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 1, prev)
}

func TestSession_FIFOThroughMesh(t *testing.T) {
	ctx := testCtx(t)
	node := newTestNode(t, 4, 0, WithIngressCapacity(4096))
	require.NoError(t, node.Start())

	sess, err := node.Session(1)
	require.NoError(t, err)

	// PUT then GET of the same key through one session, no waiting in between
	const keys = 200
	replies := make([]chan request.Result[int], keys)
	for k := 0; k < keys; k++ {
		_, err := sess.Submit(request.NewPut(k, k*10))
		require.NoError(t, err)

		replies[k] = request.NewReply[int]()
		_, err = sess.Submit(request.NewGet[int, int](k).WithReply(replies[k]))
		require.NoError(t, err)
	}

	for k, r := range replies {
		res, err := wait(ctx, r)
		require.NoError(t, err)
		require.Truef(t, res.Found, "key %d", k)
		require.Equal(t, k*10, res.Value)
	}
}

func TestSession_Errors(t *testing.T) {
	node := newTestNode(t, 2, 0, WithIngressCapacity(2))

	_, err := node.Session(2)
	assert.ErrorIs(t, err, dberrors.ErrNoSuchPeer)

	sess, err := node.Session(0)
	require.NoError(t, err)
	assert.ErrorIs(t, sess.SubmitTo(5, request.NewGet[int, int](1)), dberrors.ErrNoSuchPeer)

	// not started: the ingress fills up
	require.NoError(t, sess.SubmitTo(0, request.NewPut(1, 1)))
	require.NoError(t, sess.SubmitTo(1, request.NewPut(2, 2)))
	assert.ErrorIs(t, sess.SubmitTo(1, request.NewPut(3, 3)), dberrors.ErrChannelFull)

	require.NoError(t, node.Stop())
	assert.ErrorIs(t, sess.SubmitTo(0, request.NewPut(4, 4)), dberrors.ErrClosed)
}

func TestSession_ContextCancelled(t *testing.T) {
	node := newTestNode(t, 2, 0)
	sess, err := node.Session(0)
	require.NoError(t, err)

	// workers are not running, nobody answers
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = sess.Get(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_Concurrent(t *testing.T) {
	ctx := testCtx(t)
	node := newTestNode(t, 4, 0)
	require.NoError(t, node.Start())

	const (
		clients = 8
		perC    = 300
	)
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			sess, err := node.Session(types.ShardID(c % node.Shards()))
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < perC; i++ {
				k := c*perC + i
				for {
					_, _, err = sess.Put(ctx, k, k)
					if !errors.Is(err, dberrors.ErrChannelFull) {
						break
					}
					time.Sleep(time.Microsecond)
				}
				if !assert.NoError(t, err) {
					return
				}
			}
		}(c)
	}
	wg.Wait()

	require.NoError(t, node.Flush(ctx))

	var keys int64
	for _, st := range node.Status() {
		keys += st.Keys
	}
	assert.EqualValues(t, clients*perC, keys)

	sess, err := node.Session(0)
	require.NoError(t, err)
	for k := 0; k < clients*perC; k += 97 {
		v, found, err := sess.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, k, v)
	}
}

func TestFlush(t *testing.T) {
	ctx := testCtx(t)
	node := newTestNode(t, 3, 0)
	require.NoError(t, node.Start())

	sess, err := node.Session(0)
	require.NoError(t, err)
	for k := 0; k < 30; k++ {
		_, err := sess.Submit(request.NewPut(k, k))
		require.NoError(t, err)
	}
	require.NoError(t, sess.Flush(ctx))
	require.NoError(t, node.Flush(ctx))

	var applied uint64
	for _, st := range node.Status() {
		applied += st.Applied
	}
	// 30 puts, one session flush and a flush per (home, shard) pair
	assert.EqualValues(t, 30+1+3*3, applied)
}

func TestLifecycle(t *testing.T) {
	node := newTestNode(t, 3, 0)

	_, ok := node.Shard(0)
	require.True(t, ok)
	assert.Contains(t, node.String(), "owned_shards: 3")

	require.NoError(t, node.Start())
	assert.ErrorIs(t, node.Start(), dberrors.ErrAlreadyStarted)

	_, ok = node.Shard(0)
	assert.False(t, ok, "shards belong to their workers after Start")
	assert.Contains(t, node.String(), "owned_shards: 0, workers: 3")

	require.NoError(t, node.Stop())
	for _, st := range node.Status() {
		assert.Equal(t, shard.StateStopped, st.State)
	}

	// second stop is a no-op
	assert.NoError(t, node.Stop())
	assert.NoError(t, node.Close())
	assert.NoError(t, node.Wait())
	assert.ErrorIs(t, node.Start(), dberrors.ErrClosed)
}

func TestStop_NeverStarted(t *testing.T) {
	node := newTestNode(t, 2, 0)
	require.NoError(t, node.Stop())

	_, ok := node.Shard(0)
	assert.False(t, ok)
	assert.ErrorIs(t, node.Start(), dberrors.ErrClosed)
}

func TestStop_AppliesQueued(t *testing.T) {
	node := newTestNode(t, 4, 0, WithIngressCapacity(512))
	sess, err := node.Session(0)
	require.NoError(t, err)

	replies := make([]chan request.Result[int], 0, 400)
	for k := 0; k < 400; k++ {
		r := request.NewReply[int]()
		_, err := sess.Submit(request.NewPut(k, k).WithReply(r))
		require.NoError(t, err)
		replies = append(replies, r)
	}

	require.NoError(t, node.Start())
	require.NoError(t, node.Stop())

	// every accepted request got an answer: applied, or a visible error
	for k, r := range replies {
		select {
		case res := <-r:
			if res.Err != nil {
				assert.ErrorIsf(t, res.Err, dberrors.ErrChannelFull, "key %d", k)
			}
		default:
			t.Fatalf("request for key %d got no reply", k)
		}
	}
}

func TestWorkerFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	topo := affinity.NewStatic(4)
	topo.PinFunc = func(c types.CoreID) error {
		if c == 2 {
			panic("cannot pin core 2")
		}
		return nil
	}
	node := newTestNode(t, 4, 0, WithTopology(topo), WithMetrics(m))
	require.NoError(t, node.Start())

	ctx := testCtx(t)
	sess, err := node.Session(0)
	require.NoError(t, err)
	_, _, err = sess.Put(ctx, 1, 1) // shard 1 is healthy
	require.NoError(t, err)

	err = node.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, dberrors.ErrWorkerFailure)

	var wf *dberrors.WorkerFailure
	require.True(t, errors.As(err, &wf))
	assert.Equal(t, 2, wf.Shard)
	assert.NotEmpty(t, wf.Stack)

	for _, st := range node.Status() {
		assert.Equal(t, shard.StateStopped, st.State, "shard %d", st.ID)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Shard(1).Puts))

	// reported once, then remembered
	assert.Equal(t, err, node.Stop())
}

func TestRun_ContextCancel(t *testing.T) {
	node := newTestNode(t, 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, st := range node.Status() {
			if st.State != shard.StateDraining {
				return false
			}
		}
		return true
	}, waitTimeout, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}
	for _, st := range node.Status() {
		assert.Equal(t, shard.StateStopped, st.State)
	}
}

func TestHostTopology(t *testing.T) {
	if _, err := affinity.Host().Cores(); err != nil {
		t.Skipf("no core enumeration: %v", err)
	}

	ctx := testCtx(t)
	node, err := New[string, string](0, 2, WithLogger(quiet))
	require.NoError(t, err)
	defer node.Stop()

	require.NoError(t, node.Start())
	sess, err := node.Session(0)
	require.NoError(t, err)

	_, _, err = sess.Put(ctx, "k", "v")
	require.NoError(t, err)
	v, found, err := sess.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", v)
	require.NoError(t, node.Stop())
}
