package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable     = errors.New("shardkv: core enumeration unavailable")
	ErrChannelFull     = errors.New("shardkv: channel full")
	ErrNoSuchPeer      = errors.New("shardkv: no such peer")
	ErrNoCoresDetected = errors.New("shardkv: no cores detected")
	ErrAlreadyStarted  = errors.New("shardkv: node already started")
	ErrClosed          = errors.New("shardkv: closed")
	ErrWorkerFailure   = errors.New("shardkv: worker failure")
)

// WorkerFailure reports a shard worker that terminated abnormally.
// It is collected when the worker is joined.
type WorkerFailure struct {
	Shard int
	Value any
	Stack []byte
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("shardkv: worker for shard %d failed: %v", e.Shard, e.Value)
}

func (e *WorkerFailure) Unwrap() error { return ErrWorkerFailure }
