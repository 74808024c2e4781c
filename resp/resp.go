// Package resp implements the RESP2 wire protocol used by Redis: encoding
// of client commands and decoding of server replies.
//
// The package is deliberately unaware of connections, pipelining and
// command semantics. Callers encode whole batches with AppendCommand into
// a single buffer, write it themselves, and read back one Value per
// command with a Reader.
package resp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type identifies the RESP2 type of a decoded Value. The values match the
// wire type markers, except for Null which RESP2 encodes as a negative
// bulk or array length.
type Type byte

const (
	TypeSimpleString Type = '+'
	TypeError        Type = '-'
	TypeInteger      Type = ':'
	TypeBulkString   Type = '$'
	TypeArray        Type = '*'
	TypeNull         Type = 'N'
)

func (t Type) String() string {
	switch t {
	case TypeSimpleString:
		return "simple string"
	case TypeError:
		return "error"
	case TypeInteger:
		return "integer"
	case TypeBulkString:
		return "bulk string"
	case TypeArray:
		return "array"
	case TypeNull:
		return "null"
	}
	return "unknown"
}

// Value is one decoded RESP2 reply. Exactly one of the payload fields is
// meaningful, selected by Type.
type Value struct {
	Type  Type
	Str   string  // simple string or error message
	Int   int64   // integer reply
	Bulk  []byte  // bulk string payload
	Elems []Value // array elements
}

// Null is the decoded form of a RESP2 null bulk ($-1) or null array (*-1).
var Null = Value{Type: TypeNull}

// SimpleString builds a simple string Value. Mostly useful in tests.
func SimpleString(s string) Value { return Value{Type: TypeSimpleString, Str: s} }

// Integer builds an integer Value.
func Integer(n int64) Value { return Value{Type: TypeInteger, Int: n} }

// BulkString builds a bulk string Value.
func BulkString(s string) Value { return Value{Type: TypeBulkString, Bulk: []byte(s)} }

// ErrorValue builds an error Value.
func ErrorValue(msg string) Value { return Value{Type: TypeError, Str: msg} }

// Array builds an array Value.
func Array(elems ...Value) Value { return Value{Type: TypeArray, Elems: elems} }

// IsNull reports whether the value is a RESP null.
func (v Value) IsNull() bool { return v.Type == TypeNull }

// OK reports whether the value is the +OK simple string.
func (v Value) OK() bool { return v.Type == TypeSimpleString && v.Str == "OK" }

// Err returns the server error carried by an error reply, or nil for any
// other type. The result is always a *ReplyError.
func (v Value) Err() error {
	if v.Type != TypeError {
		return nil
	}
	return &ReplyError{Message: v.Str}
}

// Text returns the value as a string. Simple strings return their text,
// bulk strings their payload, integers their decimal form.
func (v Value) Text() (string, error) {
	switch v.Type {
	case TypeSimpleString:
		return v.Str, nil
	case TypeBulkString:
		return string(v.Bulk), nil
	case TypeInteger:
		return strconv.FormatInt(v.Int, 10), nil
	case TypeError:
		return "", v.Err()
	}
	return "", &ProtocolError{Message: fmt.Sprintf("expected text reply, got %s", v.Type)}
}

// Bytes returns the payload of a bulk string reply.
func (v Value) Bytes() ([]byte, error) {
	switch v.Type {
	case TypeBulkString:
		return v.Bulk, nil
	case TypeSimpleString:
		return []byte(v.Str), nil
	case TypeError:
		return nil, v.Err()
	}
	return nil, &ProtocolError{Message: fmt.Sprintf("expected bulk reply, got %s", v.Type)}
}

// Integer returns the value of an integer reply. Bulk strings holding a
// decimal number are accepted as well, matching how Redis returns counters
// read back with GET.
func (v Value) Integer() (int64, error) {
	switch v.Type {
	case TypeInteger:
		return v.Int, nil
	case TypeBulkString:
		n, err := strconv.ParseInt(string(v.Bulk), 10, 64)
		if err != nil {
			return 0, &ProtocolError{Message: "malformed integer bulk", Err: err}
		}
		return n, nil
	case TypeError:
		return 0, v.Err()
	}
	return 0, &ProtocolError{Message: fmt.Sprintf("expected integer reply, got %s", v.Type)}
}

// Array returns the elements of an array reply.
func (v Value) Array() ([]Value, error) {
	switch v.Type {
	case TypeArray:
		return v.Elems, nil
	case TypeError:
		return nil, v.Err()
	}
	return nil, &ProtocolError{Message: fmt.Sprintf("expected array reply, got %s", v.Type)}
}

// ReplyError is an error reply sent by the server (the "-..." wire form).
// The connection remains healthy after one; it concerns the failed command
// only.
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string { return e.Message }

// Code returns the leading word of the error message, the conventional
// machine-readable part: ERR, MOVED, ASK, WRONGTYPE, EXECABORT, ...
func (e *ReplyError) Code() string {
	if i := strings.IndexByte(e.Message, ' '); i >= 0 {
		return e.Message[:i]
	}
	return e.Message
}

// ProtocolError reports a malformed reply stream. The connection that
// produced one must be torn down: the framing is lost and every later
// byte is suspect.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "resp: " + e.Message + ": " + e.Err.Error()
	}
	return "resp: " + e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ParseRedirect extracts the target address from a cluster redirection
// error reply ("MOVED 3999 127.0.0.1:6381" or "ASK 3999 127.0.0.1:6381").
// ok is false when err is not a redirection.
func ParseRedirect(err error) (addr string, ask bool, ok bool) {
	var re *ReplyError
	if !errors.As(err, &re) {
		return "", false, false
	}
	code := re.Code()
	if code != "MOVED" && code != "ASK" {
		return "", false, false
	}
	fields := strings.Fields(re.Message)
	if len(fields) != 3 {
		return "", false, false
	}
	return fields[2], code == "ASK", true
}
