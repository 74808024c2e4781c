package resp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendCommand(t *testing.T) {
	tests := []struct {
		name string
		args [][]byte
		want string
	}{
		{
			name: "ping",
			args: [][]byte{[]byte("PING")},
			want: "*1\r\n$4\r\nPING\r\n",
		},
		{
			name: "get",
			args: [][]byte{[]byte("GET"), []byte("foo")},
			want: "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n",
		},
		{
			name: "set with binary value",
			args: [][]byte{[]byte("SET"), []byte("k"), {0x00, 0x01, 0xFF}},
			want: "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$3\r\n\x00\x01\xff\r\n",
		},
		{
			name: "empty argument",
			args: [][]byte{[]byte("SET"), []byte("k"), []byte("")},
			want: "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$0\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendCommand(nil, tt.args)
			require.Equal(t, tt.want, string(got))
		})
	}
}

func TestAppendCommandPipelined(t *testing.T) {
	var buf []byte
	buf = AppendCommand(buf, [][]byte{[]byte("MULTI")})
	buf = AppendCommand(buf, [][]byte{[]byte("INCR"), []byte("n")})
	buf = AppendCommand(buf, [][]byte{[]byte("EXEC")})

	want := "*1\r\n$5\r\nMULTI\r\n*2\r\n$4\r\nINCR\r\n$1\r\nn\r\n*1\r\n$4\r\nEXEC\r\n"
	require.Equal(t, want, string(buf))
}

func TestAppendReplies(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want string
	}{
		{"simple string", AppendSimpleString(nil, "OK"), "+OK\r\n"},
		{"error", AppendError(nil, "ERR nope"), "-ERR nope\r\n"},
		{"integer", AppendInteger(nil, -7), ":-7\r\n"},
		{"bulk", AppendBulk(nil, []byte("hi")), "$2\r\nhi\r\n"},
		{"nil bulk", AppendBulk(nil, nil), "$-1\r\n"},
		{"null", AppendNull(nil), "$-1\r\n"},
		{"null array", AppendNullArray(nil), "*-1\r\n"},
		{"array header", AppendArrayHeader(nil, 3), "*3\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, string(tt.got))
		})
	}
}

func TestAppendValueRoundTrip(t *testing.T) {
	values := []Value{
		SimpleString("OK"),
		ErrorValue("MOVED 3999 127.0.0.1:6381"),
		Integer(42),
		BulkString("payload"),
		Null,
		Array(Integer(0), Integer(5460), Array(BulkString("127.0.0.1"), Integer(7000))),
	}

	for _, v := range values {
		buf := AppendValue(nil, v)
		r := NewReader(strings.NewReader(string(buf)))
		got, err := r.ReadValue()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}
