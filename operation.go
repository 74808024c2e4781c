package redio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Op is a dependent chain of batches: a terminal batch, or a batch whose
// decoded result is fed to a continuation producing the next Op. Chains
// express sequences that cannot be pipelined blindly because later
// commands depend on earlier replies, WATCH followed by a conditional
// MULTI/EXEC being the canonical case.
//
// An Op executes on one connection under a reservation held for the
// whole chain, so its steps are never interleaved with other callers'
// traffic. Because the reservation pins the connection, batches inside
// an Op may use connection-level commands regardless of which client
// surface accepted the Op.
type Op struct {
	batch *Batch
	next  func(result any) (*Op, error)
}

// NewOp builds a terminal operation from one batch.
func NewOp(b *Batch) *Op {
	return &Op{batch: b}
}

// FlatMap returns an operation that runs o, feeds its terminal result to
// fn, and continues with the operation fn returns. fn may return
// (nil, nil) to finish with the result it was given. Composing through
// an existing continuation keeps the chain flat, so the interpreter
// iterates instead of recursing.
func (o *Op) FlatMap(fn func(result any) (*Op, error)) *Op {
	if o.next == nil {
		return &Op{batch: o.batch, next: fn}
	}
	prev := o.next
	return &Op{
		batch: o.batch,
		next: func(result any) (*Op, error) {
			n, err := prev(result)
			if err != nil {
				return nil, err
			}
			if n == nil {
				return fn(result)
			}
			return n.FlatMap(fn), nil
		},
	}
}

// First returns the chain's first batch. Cluster routing uses its key.
func (o *Op) First() *Batch { return o.batch }

// runOp drives one operation against one connection unit. The first step
// claims the unit with Reserve; every later step executes inside that
// reservation; the reservation is released exactly once, on every path.
// The result is exactly one outcome per call: the terminal batch's
// decoded result, or the first failure.
func runOp(ctx context.Context, conn *Conn, op *Op) (result any, err error) {
	res, result, err := conn.Reserve(ctx, op.batch)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && !shouldDestroyConn(err) && !errors.Is(err, ErrTxAborted) {
			// The chain stopped mid-way on a live connection; a WATCH
			// from an earlier step may still be armed. Clear it so the
			// next caller of this connection starts clean.
			discardWatches(res)
		}
		res.Release()
	}()

	next := op.next
	step := 1
	for next != nil {
		nextOp, cerr := applyContinuation(next, result)
		if cerr != nil {
			return nil, fmt.Errorf("redio: operation step %d: %w", step, cerr)
		}
		if nextOp == nil {
			return result, nil
		}

		result, err = res.Execute(ctx, nextOp.batch)
		if err != nil {
			if terminatedMidChain(err) {
				return nil, fmt.Errorf("%w: step %d: %w", ErrOperationAborted, step+1, err)
			}
			return nil, err
		}
		next = nextOp.next
		step++
	}
	return result, nil
}

// terminatedMidChain reports whether a step failure means the connection
// or reservation died under the operation, as opposed to the step merely
// failing.
func terminatedMidChain(err error) bool {
	if errors.Is(err, ErrReservationReleased) || errors.Is(err, ErrConnectionClosed) {
		return true
	}
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// applyContinuation runs a continuation, turning a panic into an error
// so the caller always receives exactly one outcome.
func applyContinuation(fn func(any) (*Op, error), result any) (op *Op, err error) {
	defer func() {
		if r := recover(); r != nil {
			op = nil
			err = fmt.Errorf("continuation panic: %v", r)
		}
	}()
	return fn(result)
}

// discardWatches best-effort clears optimistic-lock state left by an
// abandoned chain. Bounded by its own deadline; the surrounding context
// is usually already dead when this runs.
func discardWatches(res *Reservation) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = res.Execute(ctx, NewBatch(NewCommand("UNWATCH")).WithLevel(LevelConnection))
}
