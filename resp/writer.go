package resp

import "strconv"

// AppendCommand appends one command, an array of bulk strings, to buf
// and returns the extended buffer. Pipelined batches append every command
// to the same buffer so the whole batch reaches the socket in a single
// write.
func AppendCommand(buf []byte, args [][]byte) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, arg := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, arg...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}

// Reply encoders, the server-side half of the protocol. The client core
// never calls these; they exist for test servers and tooling.

func AppendSimpleString(buf []byte, s string) []byte {
	buf = append(buf, '+')
	buf = append(buf, s...)
	return append(buf, '\r', '\n')
}

func AppendError(buf []byte, msg string) []byte {
	buf = append(buf, '-')
	buf = append(buf, msg...)
	return append(buf, '\r', '\n')
}

func AppendInteger(buf []byte, n int64) []byte {
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, n, 10)
	return append(buf, '\r', '\n')
}

func AppendBulk(buf []byte, b []byte) []byte {
	if b == nil {
		return AppendNull(buf)
	}
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(b)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, b...)
	return append(buf, '\r', '\n')
}

func AppendBulkString(buf []byte, s string) []byte {
	return AppendBulk(buf, []byte(s))
}

// AppendNull appends the null bulk reply ($-1).
func AppendNull(buf []byte) []byte {
	return append(buf, '$', '-', '1', '\r', '\n')
}

// AppendNullArray appends the null array reply (*-1), the form EXEC uses
// to report an aborted transaction.
func AppendNullArray(buf []byte) []byte {
	return append(buf, '*', '-', '1', '\r', '\n')
}

func AppendArrayHeader(buf []byte, n int) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(n), 10)
	return append(buf, '\r', '\n')
}

// AppendValue appends an already-decoded Value in wire form. Test servers
// use it to replay canned replies.
func AppendValue(buf []byte, v Value) []byte {
	switch v.Type {
	case TypeSimpleString:
		return AppendSimpleString(buf, v.Str)
	case TypeError:
		return AppendError(buf, v.Str)
	case TypeInteger:
		return AppendInteger(buf, v.Int)
	case TypeBulkString:
		return AppendBulk(buf, v.Bulk)
	case TypeArray:
		buf = AppendArrayHeader(buf, len(v.Elems))
		for _, e := range v.Elems {
			buf = AppendValue(buf, e)
		}
		return buf
	case TypeNull:
		return AppendNull(buf)
	}
	return buf
}
