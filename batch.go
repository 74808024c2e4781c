package redio

import (
	"errors"
	"fmt"

	"github.com/redio/redio/resp"
)

// Level is the minimum client-surface capability a batch demands.
// Keyed data commands work anywhere (LevelCluster); node-scoped commands
// like DBSIZE or CLUSTER SLOTS need a fixed node (LevelNode); commands
// that mutate connection state, like WATCH or SELECT, need a pinned
// connection (LevelConnection). A surface executes a batch only when its
// own capability is at least the batch's level.
type Level int

const (
	LevelCluster Level = iota
	LevelNode
	LevelConnection
)

func (l Level) String() string {
	switch l {
	case LevelCluster:
		return "cluster"
	case LevelNode:
		return "node"
	case LevelConnection:
		return "connection"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Command is one raw Redis command: the name followed by its arguments,
// all as bulk strings on the wire.
type Command struct {
	Args [][]byte
}

// NewCommand builds a command from string arguments.
func NewCommand(name string, args ...string) Command {
	raw := make([][]byte, 0, len(args)+1)
	raw = append(raw, []byte(name))
	for _, a := range args {
		raw = append(raw, []byte(a))
	}
	return Command{Args: raw}
}

// NewCommandBytes builds a command from raw byte arguments, for binary
// payloads.
func NewCommandBytes(args ...[]byte) Command {
	return Command{Args: args}
}

// Name returns the command name.
func (c Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return string(c.Args[0])
}

// key returns the command's first key argument, or "" for keyless
// commands.
func (c Command) key() string {
	if len(c.Args) < 2 {
		return ""
	}
	return string(c.Args[1])
}

// DecodeFunc turns a batch's ordered raw replies into its result value.
// One reply per command, in command order.
type DecodeFunc func(replies []resp.Value) (any, error)

// Batch is an ordered group of commands pipelined together: encoded into
// one contiguous write, with replies decoded strictly in command order.
// A batch is the unit of wire atomicity: two batches never interleave on
// one connection, which is what makes an Atomic batch's MULTI/EXEC freeze
// safe even on a shared connection.
//
// Build a batch, then submit it; batches are not safe for concurrent
// mutation and may be re-submitted only if the previous submission has
// completed.
type Batch struct {
	Commands []Command
	Level    Level

	decode DecodeFunc // nil decodes to the raw []resp.Value
	key    string     // routing key override
	atomic bool
}

// NewBatch builds a batch of the given commands. Without a decode the
// result of executing it is the raw ordered []resp.Value.
func NewBatch(cmds ...Command) *Batch {
	return &Batch{Commands: cmds}
}

// WithDecode sets the batch's decode function and returns the batch.
func (b *Batch) WithDecode(fn DecodeFunc) *Batch {
	b.decode = fn
	return b
}

// WithLevel declares the batch's required capability and returns the
// batch.
func (b *Batch) WithLevel(l Level) *Batch {
	b.Level = l
	return b
}

// WithKey overrides the routing key derived from the first command.
func (b *Batch) WithKey(key string) *Batch {
	b.key = key
	return b
}

// Key returns the batch's cluster routing key: the explicit override if
// set, otherwise the first key argument found among its commands.
func (b *Batch) Key() string {
	if b.key != "" {
		return b.key
	}
	for _, c := range b.Commands {
		if k := c.key(); k != "" {
			return k
		}
	}
	return ""
}

// Atomic wraps the batch's commands in MULTI/EXEC so the server applies
// them as one transaction. The decode still sees one reply per original
// command, taken from the EXEC reply. An EXEC aborted by a watched-key
// change yields ErrTxAborted.
func (b *Batch) Atomic() *Batch {
	if b.atomic {
		return b
	}
	inner := len(b.Commands)
	innerDecode := b.decode

	cmds := make([]Command, 0, inner+2)
	cmds = append(cmds, NewCommand("MULTI"))
	cmds = append(cmds, b.Commands...)
	cmds = append(cmds, NewCommand("EXEC"))
	b.Commands = cmds
	b.atomic = true

	b.decode = func(replies []resp.Value) (any, error) {
		if len(replies) != inner+2 {
			return nil, &resp.ProtocolError{Message: fmt.Sprintf("transaction expected %d replies, got %d", inner+2, len(replies))}
		}
		exec := replies[len(replies)-1]
		if exec.IsNull() {
			return nil, ErrTxAborted
		}
		if err := exec.Err(); err != nil {
			return nil, err
		}
		results, err := exec.Array()
		if err != nil {
			return nil, err
		}
		if len(results) != inner {
			return nil, &resp.ProtocolError{Message: fmt.Sprintf("EXEC returned %d results, want %d", len(results), inner)}
		}
		if innerDecode == nil {
			return results, nil
		}
		return innerDecode(results)
	}
	return b
}

// IsAtomic reports whether the batch has been wrapped by Atomic.
func (b *Batch) IsAtomic() bool { return b.atomic }

// decodeReplies runs the batch's decode over the raw replies.
func (b *Batch) decodeReplies(replies []resp.Value) (any, error) {
	if b.decode == nil {
		return replies, nil
	}
	return b.decode(replies)
}

// Combine pipelines several batches as one. Commands concatenate in
// order; the combined decode splits the ordered replies back per member,
// runs each member's decode, and returns the results as []any in member
// order. The combined level is the strictest member level; the routing
// key is the first member key found.
func Combine(batches ...*Batch) (*Batch, error) {
	if len(batches) == 0 {
		return nil, errors.New("redio: Combine of no batches")
	}
	if len(batches) == 1 {
		return batches[0], nil
	}

	var cmds []Command
	level := LevelCluster
	key := ""
	for _, sub := range batches {
		cmds = append(cmds, sub.Commands...)
		if sub.Level > level {
			level = sub.Level
		}
		if key == "" {
			key = sub.Key()
		}
	}

	members := batches
	combined := NewBatch(cmds...).WithLevel(level)
	combined.key = key
	combined.decode = func(replies []resp.Value) (any, error) {
		results := make([]any, len(members))
		off := 0
		for i, sub := range members {
			n := len(sub.Commands)
			if off+n > len(replies) {
				return nil, &resp.ProtocolError{Message: "combined batch reply count mismatch"}
			}
			r, err := sub.decodeReplies(replies[off : off+n])
			if err != nil {
				return nil, fmt.Errorf("batch %d: %w", i, err)
			}
			results[i] = r
			off += n
		}
		return results, nil
	}
	return combined, nil
}
