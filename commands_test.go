package redio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redio/redio/resp"
)

func TestPingDecode(t *testing.T) {
	got, err := Ping().decodeReplies([]resp.Value{resp.SimpleString("PONG")})
	require.NoError(t, err)
	require.Nil(t, got)

	var pe *resp.ProtocolError
	_, err = Ping().decodeReplies([]resp.Value{resp.SimpleString("GNOP")})
	require.ErrorAs(t, err, &pe)
}

func TestGetDecode(t *testing.T) {
	got, err := Get("k").decodeReplies([]resp.Value{resp.BulkString("v")})
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	// A miss is a nil slice, not an error.
	got, err = Get("k").decodeReplies([]resp.Value{resp.Null})
	require.NoError(t, err)
	require.Nil(t, got.([]byte))

	var re *resp.ReplyError
	_, err = Get("k").decodeReplies([]resp.Value{resp.ErrorValue("ERR nope")})
	require.ErrorAs(t, err, &re)
}

func TestSetCommandShape(t *testing.T) {
	b := Set("k", []byte("v"), 0)
	require.Len(t, b.Commands, 1)
	require.Equal(t, [][]byte{[]byte("SET"), []byte("k"), []byte("v")}, b.Commands[0].Args)

	// The expiry rounds up to whole seconds.
	b = Set("k", []byte("v"), 1500*time.Millisecond)
	require.Equal(t, [][]byte{[]byte("SET"), []byte("k"), []byte("v"), []byte("EX"), []byte("2")}, b.Commands[0].Args)

	b = SetNX("k", []byte("v"), 0)
	require.Equal(t, [][]byte{[]byte("SET"), []byte("k"), []byte("v"), []byte("NX")}, b.Commands[0].Args)
}

func TestSetNXDecode(t *testing.T) {
	got, err := SetNX("k", nil, 0).decodeReplies([]resp.Value{resp.SimpleString("OK")})
	require.NoError(t, err)
	require.Equal(t, true, got)

	got, err = SetNX("k", nil, 0).decodeReplies([]resp.Value{resp.Null})
	require.NoError(t, err)
	require.Equal(t, false, got)
}

func TestExpireDecode(t *testing.T) {
	got, err := Expire("k", time.Minute).decodeReplies([]resp.Value{resp.Integer(1)})
	require.NoError(t, err)
	require.Equal(t, true, got)

	got, err = Expire("k", time.Minute).decodeReplies([]resp.Value{resp.Integer(0)})
	require.NoError(t, err)
	require.Equal(t, false, got)
}

func TestMGetDecode(t *testing.T) {
	reply := resp.Array(resp.BulkString("a"), resp.Null, resp.BulkString("c"))
	got, err := MGet("k1", "k2", "k3").decodeReplies([]resp.Value{reply})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), nil, []byte("c")}, got)
}

func TestCommandLevels(t *testing.T) {
	require.Equal(t, LevelCluster, Get("k").Level)
	require.Equal(t, LevelNode, DBSize().Level)
	require.Equal(t, LevelNode, FlushDB().Level)
	require.Equal(t, LevelNode, ClusterSlots().Level)
	require.Equal(t, LevelConnection, Watch("k").Level)
	require.Equal(t, LevelConnection, Unwatch().Level)
	require.Equal(t, LevelConnection, Select(1).Level)
	require.Equal(t, LevelConnection, Auth("pw").Level)
	require.Equal(t, LevelConnection, AuthUser("u", "pw").Level)
}

func TestDecodeClusterSlots(t *testing.T) {
	reply := resp.Array(
		// Out of order on purpose; replica entries are present and
		// ignored.
		resp.Array(resp.Integer(8192), resp.Integer(16383),
			resp.Array(resp.BulkString("127.0.0.1"), resp.Integer(7001), resp.BulkString("node-b"))),
		resp.Array(resp.Integer(0), resp.Integer(8191),
			resp.Array(resp.BulkString("127.0.0.1"), resp.Integer(7000)),
			resp.Array(resp.BulkString("127.0.0.1"), resp.Integer(7100))),
	)
	owners, err := decodeClusterSlots(reply)
	require.NoError(t, err)
	require.Equal(t, []SlotOwner{
		{Range: SlotRange{Start: 0, End: 8191}, Addr: NodeAddress{Host: "127.0.0.1", Port: 7000}},
		{Range: SlotRange{Start: 8192, End: 16383}, Addr: NodeAddress{Host: "127.0.0.1", Port: 7001}},
	}, owners)
}

func TestDecodeClusterSlotsRejectsBadEntries(t *testing.T) {
	master := resp.Array(resp.BulkString("127.0.0.1"), resp.Integer(7000))
	cases := map[string]resp.Value{
		"short entry":   resp.Array(resp.Array(resp.Integer(0), resp.Integer(10))),
		"bad range":     resp.Array(resp.Array(resp.Integer(0), resp.Integer(16384), master)),
		"inverted":      resp.Array(resp.Array(resp.Integer(10), resp.Integer(5), master)),
		"short node":    resp.Array(resp.Array(resp.Integer(0), resp.Integer(10), resp.Array(resp.BulkString("h")))),
		"bad port":      resp.Array(resp.Array(resp.Integer(0), resp.Integer(10), resp.Array(resp.BulkString("h"), resp.Integer(0)))),
		"not an array":  resp.Integer(3),
		"scalar fields": resp.Array(resp.Integer(3)),
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeClusterSlots(reply)
			require.Error(t, err)
		})
	}
}

func TestTransactionShape(t *testing.T) {
	op := Transaction([]string{"a", "b"}, func([][]byte) (*Batch, error) { return nil, nil })
	first := op.First()
	require.Len(t, first.Commands, 2)
	require.Equal(t, "WATCH", first.Commands[0].Name())
	require.Equal(t, "MGET", first.Commands[1].Name())
	require.Equal(t, LevelConnection, first.Level)
	require.Equal(t, "a", first.Key())

	// Watching nothing still pins the connection for the chain.
	empty := Transaction(nil, func([][]byte) (*Batch, error) { return nil, nil })
	require.Equal(t, "PING", empty.First().Commands[0].Name())
}

func TestCeilSeconds(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int64
	}{
		{0, 0},
		{time.Nanosecond, 1},
		{999 * time.Millisecond, 1},
		{time.Second, 1},
		{time.Second + time.Millisecond, 2},
		{2 * time.Second, 2},
	}
	for _, c := range cases {
		if got := ceilSeconds(c.d); got != c.want {
			t.Errorf("ceilSeconds(%v) = %d, want %d", c.d, got, c.want)
		}
	}
}
