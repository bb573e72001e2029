package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
)

type BarrierState int32

const (
	Waiting BarrierState = iota
	AllSucceeded
	AnyFailed
)

func (s BarrierState) String() string {
	switch s {
	case Waiting:
		return fmt.Sprintf("WAITING[%d]", s)
	case AllSucceeded:
		return fmt.Sprintf("ALL_SUCCEEDED[%d]", s)
	case AnyFailed:
		return fmt.Sprintf("ANY_FAILED[%d]", s)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}

// Barrier joins the terminal results of a fixed number of tasks. The
// transition out of Waiting is made exactly once, by whichever caller wins
// the compare-and-swap: the last Succeed, or the first Fail.
type Barrier struct {
	state     atomic.Int32
	remaining atomic.Int32
	done      chan struct{}
	cause     error
	onAbort   func(error)
}

// NewBarrier constructs a barrier waiting on n successes. onAbort (which may
// be nil) is called once, synchronously, by the caller whose failure moves
// the barrier to AnyFailed.
func NewBarrier(n int, onAbort func(error)) *Barrier {
	b := &Barrier{done: make(chan struct{}), onAbort: onAbort}
	b.remaining.Store(int32(n))
	if n <= 0 {
		b.resolve(AllSucceeded, nil)
	}

	return b
}

// Succeed records a single task success.
func (b *Barrier) Succeed() {
	if b.remaining.Add(-1) == 0 {
		b.resolve(AllSucceeded, nil)
	}
}

// Fail records a task failure. Only the first failure is retained as the cause.
func (b *Barrier) Fail(err error) {
	if err == nil {
		err = context.Canceled
	}
	b.resolve(AnyFailed, err)
}

// Wait blocks until the barrier has resolved. If ctx is cancelled first, the
// barrier is failed with the context's cause.
func (b *Barrier) Wait(ctx context.Context) (BarrierState, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		b.Fail(context.Cause(ctx))
		<-b.done
	}

	return b.State(), b.cause
}

func (b *Barrier) Done() <-chan struct{} { return b.done }

func (b *Barrier) State() BarrierState { return BarrierState(b.state.Load()) }

func (b *Barrier) resolve(to BarrierState, cause error) bool {
	if !b.state.CompareAndSwap(int32(Waiting), int32(to)) {
		return false
	}

	b.cause = cause
	close(b.done)
	if to == AnyFailed && b.onAbort != nil {
		b.onAbort(cause)
	}

	return true
}
