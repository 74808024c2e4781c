package redio

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redio/redio/resp"
)

// Typed command builders. Each returns a single-purpose batch with a
// decode attached, so client surfaces hand back Go values instead of
// raw replies. Anything not covered here can be issued directly with
// NewBatch and NewCommand.

// Ping checks that the server answers. Decodes to nil.
func Ping() *Batch {
	return NewBatch(NewCommand("PING")).WithDecode(func(vs []resp.Value) (any, error) {
		text, err := vs[0].Text()
		if err != nil {
			return nil, err
		}
		if text != "PONG" {
			return nil, &resp.ProtocolError{Message: fmt.Sprintf("unexpected PING reply %q", text)}
		}
		return nil, nil
	})
}

// Echo round-trips a message through the server. Decodes to string.
func Echo(message string) *Batch {
	return NewBatch(NewCommand("ECHO", message)).WithDecode(func(vs []resp.Value) (any, error) {
		return vs[0].Text()
	})
}

// Get fetches a key. Decodes to []byte; a missing key decodes to a nil
// slice, not an error.
func Get(key string) *Batch {
	return NewBatch(NewCommand("GET", key)).WithDecode(func(vs []resp.Value) (any, error) {
		v := vs[0]
		if err := v.Err(); err != nil {
			return nil, err
		}
		if v.IsNull() {
			return []byte(nil), nil
		}
		return v.Bytes()
	})
}

// Set stores value under key. A positive ttl expires the key, rounded
// up to whole seconds; zero stores without expiry. Decodes to nil.
func Set(key string, value []byte, ttl time.Duration) *Batch {
	args := [][]byte{[]byte("SET"), []byte(key), value}
	if ttl > 0 {
		args = append(args, []byte("EX"), []byte(strconv.FormatInt(ceilSeconds(ttl), 10)))
	}
	return NewBatch(NewCommandBytes(args...)).WithDecode(decodeOK)
}

// SetNX stores value only when key does not already exist. Decodes to
// true when the value was stored.
func SetNX(key string, value []byte, ttl time.Duration) *Batch {
	args := [][]byte{[]byte("SET"), []byte(key), value, []byte("NX")}
	if ttl > 0 {
		args = append(args, []byte("EX"), []byte(strconv.FormatInt(ceilSeconds(ttl), 10)))
	}
	return NewBatch(NewCommandBytes(args...)).WithDecode(func(vs []resp.Value) (any, error) {
		v := vs[0]
		if err := v.Err(); err != nil {
			return nil, err
		}
		return !v.IsNull(), nil
	})
}

// Del removes keys. Decodes to the number of keys removed. On a cluster
// every key must map to the same slot.
func Del(keys ...string) *Batch {
	return NewBatch(NewCommand("DEL", keys...)).WithDecode(decodeInt)
}

// Incr adds one to the counter at key, creating it at zero first.
// Decodes to the new value.
func Incr(key string) *Batch {
	return NewBatch(NewCommand("INCR", key)).WithDecode(decodeInt)
}

// IncrBy adds delta to the counter at key. Decodes to the new value.
func IncrBy(key string, delta int64) *Batch {
	return NewBatch(NewCommand("INCRBY", key, strconv.FormatInt(delta, 10))).WithDecode(decodeInt)
}

// MGet fetches several keys at once. Decodes to [][]byte in key order
// with nil entries for missing keys. On a cluster every key must map to
// the same slot.
func MGet(keys ...string) *Batch {
	return NewBatch(NewCommand("MGET", keys...)).WithDecode(func(vs []resp.Value) (any, error) {
		return decodeBulkSlice(vs[0])
	})
}

// Expire sets key's time to live, rounded up to whole seconds. Decodes
// to true when the key exists and the timeout was set.
func Expire(key string, ttl time.Duration) *Batch {
	return NewBatch(NewCommand("EXPIRE", key, strconv.FormatInt(ceilSeconds(ttl), 10))).WithDecode(func(vs []resp.Value) (any, error) {
		n, err := vs[0].Integer()
		if err != nil {
			return nil, err
		}
		return n == 1, nil
	})
}

// TTL reads key's remaining time to live in whole seconds, as the
// server reports it: -1 when the key has no expiry, -2 when the key
// does not exist. Decodes to int64.
func TTL(key string) *Batch {
	return NewBatch(NewCommand("TTL", key)).WithDecode(decodeInt)
}

// Watch marks keys for optimistic locking: a later EXEC on the same
// connection aborts when any of them has changed since. Connection
// level, so it runs on a dedicated connection or inside an operation.
func Watch(keys ...string) *Batch {
	return NewBatch(NewCommand("WATCH", keys...)).WithLevel(LevelConnection).WithDecode(decodeOK)
}

// Unwatch clears every watch held by the connection.
func Unwatch() *Batch {
	return NewBatch(NewCommand("UNWATCH")).WithLevel(LevelConnection).WithDecode(decodeOK)
}

// DBSize counts the keys in the selected database. Node level.
func DBSize() *Batch {
	return NewBatch(NewCommand("DBSIZE")).WithLevel(LevelNode).WithDecode(decodeInt)
}

// FlushDB removes every key in the selected database. Node level.
func FlushDB() *Batch {
	return NewBatch(NewCommand("FLUSHDB")).WithLevel(LevelNode).WithDecode(decodeOK)
}

// ClusterSlots fetches the cluster slot layout. Decodes to []SlotOwner
// sorted by range start, keeping each range's master only. Node level.
func ClusterSlots() *Batch {
	return NewBatch(NewCommand("CLUSTER", "SLOTS")).WithLevel(LevelNode).WithDecode(func(vs []resp.Value) (any, error) {
		return decodeClusterSlots(vs[0])
	})
}

// Select switches the connection's database. Connection level; usually
// issued through ConnectionConfig.InitCommands so every reconnect
// replays it.
func Select(db int) *Batch {
	return NewBatch(NewCommand("SELECT", strconv.Itoa(db))).WithLevel(LevelConnection).WithDecode(decodeOK)
}

// Auth authenticates the connection. Connection level; usually issued
// through ConnectionConfig.InitCommands so every reconnect replays it.
func Auth(password string) *Batch {
	return NewBatch(NewCommand("AUTH", password)).WithLevel(LevelConnection).WithDecode(decodeOK)
}

// AuthUser authenticates the connection with an ACL username.
func AuthUser(username, password string) *Batch {
	return NewBatch(NewCommand("AUTH", username, password)).WithLevel(LevelConnection).WithDecode(decodeOK)
}

// Transaction runs the optimistic-lock pattern as one operation: WATCH
// the keys, read their current values, then atomically apply the batch
// body returns. When another client changes a watched key in between,
// the operation fails with ErrTxAborted and can be retried from
// scratch. body receives the watched values in key order (nil entries
// for missing keys) and may return a nil batch to call the whole thing
// off. On a cluster client the operation routes by the first watched
// key.
func Transaction(watch []string, body func(values [][]byte) (*Batch, error)) *Op {
	var first *Batch
	if len(watch) == 0 {
		first = Ping()
	} else {
		first = NewBatch(
			NewCommand("WATCH", watch...),
			NewCommand("MGET", watch...),
		).WithKey(watch[0]).WithLevel(LevelConnection).WithDecode(func(vs []resp.Value) (any, error) {
			if err := vs[0].Err(); err != nil {
				return nil, err
			}
			return decodeBulkSlice(vs[1])
		})
	}
	return NewOp(first).FlatMap(func(result any) (*Op, error) {
		values, _ := result.([][]byte)
		b, err := body(values)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return NewOp(Unwatch()), nil
		}
		return NewOp(b.Atomic()), nil
	})
}

func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

func decodeOK(vs []resp.Value) (any, error) {
	v := vs[0]
	if err := v.Err(); err != nil {
		return nil, err
	}
	if !v.OK() {
		text, _ := v.Text()
		return nil, &resp.ProtocolError{Message: fmt.Sprintf("expected OK reply, got %q", text)}
	}
	return nil, nil
}

func decodeInt(vs []resp.Value) (any, error) {
	return vs[0].Integer()
}

// decodeBulkSlice turns an array-of-bulk reply into [][]byte, keeping
// nil entries for null elements.
func decodeBulkSlice(v resp.Value) ([][]byte, error) {
	elems, err := v.Array()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(elems))
	for i, e := range elems {
		if e.IsNull() {
			continue
		}
		b, err := e.Bytes()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func decodeClusterSlots(v resp.Value) ([]SlotOwner, error) {
	entries, err := v.Array()
	if err != nil {
		return nil, err
	}
	owners := make([]SlotOwner, 0, len(entries))
	for _, entry := range entries {
		fields, err := entry.Array()
		if err != nil {
			return nil, err
		}
		if len(fields) < 3 {
			return nil, &resp.ProtocolError{Message: "short CLUSTER SLOTS entry"}
		}
		start, err := fields[0].Integer()
		if err != nil {
			return nil, err
		}
		end, err := fields[1].Integer()
		if err != nil {
			return nil, err
		}
		if start < 0 || end >= NumSlots || start > end {
			return nil, &resp.ProtocolError{Message: fmt.Sprintf("bad slot range [%d,%d]", start, end)}
		}
		master, err := fields[2].Array()
		if err != nil {
			return nil, err
		}
		if len(master) < 2 {
			return nil, &resp.ProtocolError{Message: "short CLUSTER SLOTS node entry"}
		}
		host, err := master[0].Text()
		if err != nil {
			return nil, err
		}
		port, err := master[1].Integer()
		if err != nil {
			return nil, err
		}
		if port <= 0 || port > 65535 {
			return nil, &resp.ProtocolError{Message: fmt.Sprintf("bad node port %d", port)}
		}
		owners = append(owners, SlotOwner{
			Range: SlotRange{Start: uint16(start), End: uint16(end)},
			Addr:  NodeAddress{Host: host, Port: int(port)},
		})
	}
	sortOwners(owners)
	return owners, nil
}
