package shard

import (
	"fmt"
	"runtime"
	"time"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/request"
)

// Run is the worker loop. It must run on its own goroutine and is the last
// thing done with the shard: the goroutine keeps the OS thread locked until
// it exits, and the runtime discards that thread afterwards.
//
// Run returns once sd has been requested, quiesced and released.
func (s *Shard[K, V]) Run(sd *Shutdown) {
	acked := false
	defer func() {
		if !acked {
			sd.ack()
		}
		s.probe.setState(StateStopped)
		s.log.Debug("shard stopped", "keys", s.table.Len())
	}()

	s.pin()
	s.probe.setState(StateDraining)

	misses := 0
	for {
		if !acked && sd.stopping.Load() {
			// accepted requests still get forwarded before we go quiet
			for s.drain(s.ingress, 0) > 0 {
			}
			s.quiesced = true
			s.probe.setState(StateShuttingDown)
			acked = true
			sd.ack()
			s.log.Debug("shard shutting down")
		}

		if acked && sd.stopped.Load() {
			for s.sweep(0) > 0 {
			}
			return
		}

		if s.sweep(s.opts.batch) > 0 {
			misses = 0
			continue
		}

		s.stats.IdleSweeps.Inc()
		if misses < s.opts.spinBudget {
			misses++
			runtime.Gosched()
			continue
		}
		time.Sleep(s.opts.idleBackoff)
	}
}

func (s *Shard[K, V]) pin() {
	s.probe.setState(StatePinning)
	runtime.LockOSThread()

	if s.opts.topology == nil {
		s.log.Debug("shard worker started unpinned")
		return
	}
	if err := s.opts.topology.Pin(s.opts.core); err != nil {
		s.log.Warn("failed to pin shard worker, running unpinned", "core", int(s.opts.core), "error", err)
		return
	}
	s.probe.pinned.Store(true)
	s.stats.Pinned.Set(1)
	s.log.Debug("shard worker pinned", "core", int(s.opts.core))
}

// sweep visits the ingress and then every inbound peer channel in ascending
// peer id, taking at most budget requests from each (0 = until empty).
func (s *Shard[K, V]) sweep(budget int) int {
	n := s.drain(s.ingress, budget)
	for _, c := range s.in {
		n += s.drain(c, budget)
	}
	return n
}

func (s *Shard[K, V]) drain(c *consumer[K, V], budget int) int {
	if c == nil {
		return 0
	}
	fromIngress := c == s.ingress

	n := 0
	for budget <= 0 || n < budget {
		req, ok := c.TryPop()
		if !ok {
			break
		}
		n++
		if fromIngress && req.Target != s.id {
			s.forward(req)
			continue
		}
		s.apply(req)
	}
	return n
}

// forward passes an ingress request to its owner over the mesh.
// Failures are answered to the sender, or logged when it left no reply channel.
func (s *Shard[K, V]) forward(req request.Request[K, V]) {
	if s.quiesced {
		s.reject(req, fmt.Errorf("%w: shard %d is shutting down", dberrors.ErrClosed, s.id))
		return
	}
	if err := s.Send(req.Target, req); err != nil {
		s.reject(req, err)
		return
	}
	s.stats.Forwarded.Inc()
}

func (s *Shard[K, V]) reject(req request.Request[K, V], err error) {
	if req.Reply == nil {
		s.log.Warn("request dropped, sender has no reply channel",
			"op", req.Op.String(), "target", int(req.Target), "error", err)
		return
	}
	req.Fail(err)
}

func (s *Shard[K, V]) apply(req request.Request[K, V]) {
	var res request.Result[V]

	switch req.Op {
	case request.OpPut:
		res.Value, res.Found = s.Insert(req.Key, req.Value)
	case request.OpGet:
		res.Value, res.Found = s.table.Get(req.Key)
	case request.OpFlush:
		// everything ahead of it on this path is applied already
	default:
		req.Fail(fmt.Errorf("shard %d: unknown op %d", s.id, req.Op))
		return
	}

	s.probe.applied.Add(1)
	s.stats.Applied(req.Op)
	if !req.Respond(res) {
		s.log.Debug("reply channel full, result discarded", "op", req.Op.String())
	}
}
