package redio

import (
	"errors"
	"fmt"

	"github.com/redio/redio/resp"
)

// Sentinel errors. Callers classify failures with errors.Is; the structured
// types below add context and unwrap to these where one applies.
var (
	// ErrClientClosed reports work submitted to a closed client.
	ErrClientClosed = errors.New("redio: client closed")

	// ErrConnectionClosed reports a connection unit torn down locally,
	// taking pending work with it.
	ErrConnectionClosed = errors.New("redio: connection closed")

	// ErrOperationAborted reports an operation terminated before its
	// chain produced a result, e.g. the connection died between steps.
	ErrOperationAborted = errors.New("redio: operation aborted")

	// ErrNoSlotOwner reports a cluster routing miss: the current mapping
	// has no master covering the key's slot.
	ErrNoSlotOwner = errors.New("redio: no node owns the key's slot")

	// ErrTxAborted reports an EXEC that returned nil because a watched
	// key changed. The transaction ran zero commands.
	ErrTxAborted = errors.New("redio: transaction aborted by watched key")

	// ErrReservationReleased reports use of a reservation after Release.
	ErrReservationReleased = errors.New("redio: reservation already released")
)

// ConnectionError reports a transport fault on one connection unit: dial
// failure, read/write error, or a protocol violation that forced teardown.
type ConnectionError struct {
	Op   string // "dial", "write", "read"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("redio: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// LevelError reports a batch demanding a capability its executing client
// surface does not provide. Nothing reached the wire.
type LevelError struct {
	Required  Level
	Permitted Level
}

func (e *LevelError) Error() string {
	return fmt.Sprintf("redio: batch requires %s capability, client provides %s", e.Required, e.Permitted)
}

// shouldDestroyConn reports whether an execution failure poisons the
// connection it ran on. Server error replies and level violations leave the
// stream healthy; transport faults and framing violations do not.
func shouldDestroyConn(err error) bool {
	if err == nil {
		return false
	}
	var re *resp.ReplyError
	if errors.As(err, &re) {
		return false
	}
	var le *LevelError
	if errors.As(err, &le) {
		return false
	}
	if errors.Is(err, ErrTxAborted) {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	var pe *resp.ProtocolError
	if errors.As(err, &pe) {
		return true
	}
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrOperationAborted) {
		return true
	}
	// Timeouts leave an unanswered command on the wire; the conn's own
	// bookkeeping discards the late reply, so the conn stays usable.
	return false
}
