package resp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Decoding limits. Bulk and line limits match the server-side maximums;
// the array limit is far beyond anything a sane reply contains and only
// guards against a corrupted length prefix allocating unbounded memory.
const (
	// MaxBulkLen is the largest accepted bulk string (512MB, the Redis
	// proto-max-bulk-len default).
	MaxBulkLen = 512 * 1024 * 1024

	// MaxArrayLen is the largest accepted array reply.
	MaxArrayLen = 1024 * 1024

	// maxLineLen bounds a single protocol line (type marker, length
	// prefixes, simple strings, error messages).
	maxLineLen = 64 * 1024

	// maxDepth bounds array nesting. CLUSTER SLOTS is depth 3.
	maxDepth = 16
)

var crlf = []byte("\r\n")

// Reader decodes RESP2 values from a stream. It is not safe for
// concurrent use; a connection owns its Reader exclusively.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader buffering the given stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 16*1024)}
}

// ReadValue decodes exactly one reply, recursing into arrays. I/O errors
// are returned verbatim; framing violations are *ProtocolError.
func (r *Reader) ReadValue() (Value, error) {
	return r.readValue(0)
}

func (r *Reader) readValue(depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, &ProtocolError{Message: "reply nesting too deep"}
	}

	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}
	if len(line) == 0 {
		return Value{}, &ProtocolError{Message: "empty reply line"}
	}

	marker, rest := line[0], line[1:]
	switch marker {
	case '+':
		return Value{Type: TypeSimpleString, Str: string(rest)}, nil

	case '-':
		return Value{Type: TypeError, Str: string(rest)}, nil

	case ':':
		n, err := parseInt(rest)
		if err != nil {
			return Value{}, &ProtocolError{Message: "malformed integer reply", Err: err}
		}
		return Value{Type: TypeInteger, Int: n}, nil

	case '$':
		n, err := parseInt(rest)
		if err != nil {
			return Value{}, &ProtocolError{Message: "malformed bulk length", Err: err}
		}
		if n == -1 {
			return Null, nil
		}
		if n < 0 || n > MaxBulkLen {
			return Value{}, &ProtocolError{Message: fmt.Sprintf("bulk length %d out of range", n)}
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r.br, buf); err != nil {
			return Value{}, err
		}
		if !bytes.HasSuffix(buf, crlf) {
			return Value{}, &ProtocolError{Message: "bulk string not CRLF-terminated"}
		}
		return Value{Type: TypeBulkString, Bulk: buf[:n]}, nil

	case '*':
		n, err := parseInt(rest)
		if err != nil {
			return Value{}, &ProtocolError{Message: "malformed array length", Err: err}
		}
		if n == -1 {
			return Null, nil
		}
		if n < 0 || n > MaxArrayLen {
			return Value{}, &ProtocolError{Message: fmt.Sprintf("array length %d out of range", n)}
		}
		elems := make([]Value, n)
		for i := range elems {
			elems[i], err = r.readValue(depth + 1)
			if err != nil {
				return Value{}, err
			}
		}
		return Value{Type: TypeArray, Elems: elems}, nil
	}

	return Value{}, &ProtocolError{Message: fmt.Sprintf("unknown reply marker %q", marker)}
}

// readLine reads one CRLF-terminated line, without the terminator. It uses
// ReadSlice to stay allocation-free for lines that fit the buffer and only
// falls back to accumulating when they do not.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		// Slow path: the line spans buffer fills.
		grown := append([]byte(nil), line...)
		for err == bufio.ErrBufferFull {
			if len(grown) > maxLineLen {
				return nil, &ProtocolError{Message: "reply line too long"}
			}
			line, err = r.br.ReadSlice('\n')
			grown = append(grown, line...)
		}
		line = grown
	}
	if err != nil {
		return nil, err
	}
	if len(line) > maxLineLen {
		return nil, &ProtocolError{Message: "reply line too long"}
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, &ProtocolError{Message: "reply line not CRLF-terminated"}
	}
	return line[:len(line)-2], nil
}

func parseInt(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}
