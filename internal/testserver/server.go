// Package testserver is a scriptable in-process Redis look-alike for
// exercising client behavior against real sockets. It keeps a small
// string/counter keyspace with per-key version counters, so WATCH/MULTI
// transactions abort exactly the way a real server aborts them, and it
// serves CLUSTER SLOTS from a table the test controls.
package testserver

import (
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redio/redio/resp"
)

// ConnState identifies the connection a command arrived on.
type ConnState struct {
	ID      int
	InMulti bool
}

// SlotEntry is one CLUSTER SLOTS row: an inclusive slot range and the
// master serving it.
type SlotEntry struct {
	Start, End int
	Host       string
	Port       int
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Server accepts RESP connections on a loopback port. Scripted
// behaviors: an Intercept hook that can answer (or swallow) any
// command, DropNextConn, CloseAfter, and an artificial reply delay.
// Every received command is recorded in a per-connection transcript.
type Server struct {
	ln     net.Listener
	wg     sync.WaitGroup
	closed atomic.Bool

	mu          sync.Mutex
	data        map[string]*entry
	versions    map[string]uint64
	slots       []SlotEntry
	intercept   func(conn ConnState, args [][]byte) ([]byte, bool)
	replyDelay  time.Duration
	dropNext    bool
	closeAfter  int
	nextConnID  int
	live        map[int]net.Conn
	transcripts map[int][]string
}

type serverConn struct {
	id      int
	conn    net.Conn
	inMulti bool
	queue   [][][]byte
	watched map[string]uint64
}

// Start listens on 127.0.0.1:0 and serves until Close.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:          ln,
		data:        make(map[string]*entry),
		versions:    make(map[string]uint64),
		live:        make(map[int]net.Conn),
		transcripts: make(map[int][]string),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address, "127.0.0.1:<port>".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops the listener, kills live connections, and waits for the
// serving goroutines.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.ln.Close()
	s.mu.Lock()
	for _, c := range s.live {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// SetIntercept installs the test hook consulted before the built-in
// engine. Returning handled=true with a nil reply swallows the command
// without answering, which is how timeout behavior is provoked.
func (s *Server) SetIntercept(fn func(conn ConnState, args [][]byte) ([]byte, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
}

// SetReplyDelay delays every reply by d.
func (s *Server) SetReplyDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyDelay = d
}

// DropNextConn closes the next accepted connection immediately.
func (s *Server) DropNextConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext = true
}

// CloseAfter kills the connection that delivers the n-th command from
// now, counted across connections, without answering it.
func (s *Server) CloseAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAfter = n
}

// SetSlots replaces the table served for CLUSTER SLOTS.
func (s *Server) SetSlots(entries ...SlotEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = slices.Clone(entries)
}

// Touch bumps key's version without changing its value, aborting any
// transaction watching it.
func (s *Server) Touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[key]++
}

// SetValue seeds a key directly.
func (s *Server) SetValue(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = &entry{value: slices.Clone(value)}
	s.versions[key]++
}

// Value reads a key directly.
func (s *Server) Value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(e.value), true
}

// Transcripts returns each connection's received commands in arrival
// order, one slice per connection in acceptance order. Entries render
// as "NAME arg1 arg2".
func (s *Server) Transcripts() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.transcripts))
	for id := range s.transcripts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([][]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, slices.Clone(s.transcripts[id]))
	}
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.dropNext {
			s.dropNext = false
			s.mu.Unlock()
			conn.Close()
			continue
		}
		id := s.nextConnID
		s.nextConnID++
		s.live[id] = conn
		if _, ok := s.transcripts[id]; !ok {
			s.transcripts[id] = nil
		}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(&serverConn{id: id, conn: conn})
	}
}

func (s *Server) serve(c *serverConn) {
	defer s.wg.Done()
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.live, c.id)
		s.mu.Unlock()
	}()

	r := resp.NewReader(c.conn)
	for {
		v, err := r.ReadValue()
		if err != nil {
			return
		}
		args, ok := commandArgs(v)
		if !ok || len(args) == 0 {
			c.conn.Write(resp.AppendError(nil, "ERR protocol error"))
			return
		}
		if s.recordAndMaybeKill(c.id, args) {
			return
		}
		if d := s.delay(); d > 0 {
			time.Sleep(d)
		}
		reply := s.handleCommand(c, args)
		if reply == nil {
			continue
		}
		if _, err := c.conn.Write(reply); err != nil {
			return
		}
	}
}

// recordAndMaybeKill appends to the transcript and reports whether the
// CloseAfter countdown elects this command's connection to die
// unanswered.
func (s *Server) recordAndMaybeKill(id int, args [][]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[id] = append(s.transcripts[id], renderCommand(args))
	if s.closeAfter > 0 {
		s.closeAfter--
		if s.closeAfter == 0 {
			return true
		}
	}
	return false
}

func (s *Server) delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyDelay
}

func (s *Server) handleCommand(c *serverConn, args [][]byte) []byte {
	s.mu.Lock()
	fn := s.intercept
	s.mu.Unlock()
	if fn != nil {
		if reply, handled := fn(ConnState{ID: c.id, InMulti: c.inMulti}, args); handled {
			return reply
		}
	}

	name := strings.ToUpper(string(args[0]))
	if c.inMulti {
		switch name {
		case "EXEC":
			return s.execTransaction(c)
		case "DISCARD":
			c.inMulti, c.queue, c.watched = false, nil, nil
			return resp.AppendSimpleString(nil, "OK")
		case "MULTI":
			return resp.AppendError(nil, "ERR MULTI calls can not be nested")
		case "WATCH":
			return resp.AppendError(nil, "ERR WATCH inside MULTI is not allowed")
		default:
			c.queue = append(c.queue, args)
			return resp.AppendSimpleString(nil, "QUEUED")
		}
	}

	switch name {
	case "MULTI":
		c.inMulti = true
		c.queue = nil
		return resp.AppendSimpleString(nil, "OK")
	case "EXEC":
		return resp.AppendError(nil, "ERR EXEC without MULTI")
	case "DISCARD":
		return resp.AppendError(nil, "ERR DISCARD without MULTI")
	case "WATCH":
		return s.watch(c, args[1:])
	case "UNWATCH":
		c.watched = nil
		return resp.AppendSimpleString(nil, "OK")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineLocked(args)
}

func (s *Server) watch(c *serverConn, keys [][]byte) []byte {
	if len(keys) == 0 {
		return wrongArgs("watch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.watched == nil {
		c.watched = make(map[string]uint64)
	}
	for _, k := range keys {
		key := string(k)
		s.expireLocked(key)
		c.watched[key] = s.versions[key]
	}
	return resp.AppendSimpleString(nil, "OK")
}

// execTransaction checks the watched versions and applies the queue
// atomically; a touched watch aborts with the null array.
func (s *Server) execTransaction(c *serverConn) []byte {
	queue := c.queue
	watched := c.watched
	c.inMulti, c.queue, c.watched = false, nil, nil

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ver := range watched {
		s.expireLocked(key)
		if s.versions[key] != ver {
			return resp.AppendNullArray(nil)
		}
	}
	buf := resp.AppendArrayHeader(nil, len(queue))
	for _, cmd := range queue {
		buf = append(buf, s.engineLocked(cmd)...)
	}
	return buf
}

func (s *Server) engineLocked(args [][]byte) []byte {
	name := strings.ToUpper(string(args[0]))
	switch name {
	case "PING":
		return resp.AppendSimpleString(nil, "PONG")

	case "ECHO":
		if len(args) != 2 {
			return wrongArgs(name)
		}
		return resp.AppendBulk(nil, args[1])

	case "GET":
		if len(args) != 2 {
			return wrongArgs(name)
		}
		key := string(args[1])
		s.expireLocked(key)
		e, ok := s.data[key]
		if !ok {
			return resp.AppendNull(nil)
		}
		return resp.AppendBulk(nil, e.value)

	case "SET":
		return s.setLocked(args)

	case "DEL":
		if len(args) < 2 {
			return wrongArgs(name)
		}
		var removed int64
		for _, k := range args[1:] {
			key := string(k)
			s.expireLocked(key)
			if _, ok := s.data[key]; ok {
				delete(s.data, key)
				s.versions[key]++
				removed++
			}
		}
		return resp.AppendInteger(nil, removed)

	case "INCR":
		if len(args) != 2 {
			return wrongArgs(name)
		}
		return s.incrLocked(string(args[1]), 1)

	case "INCRBY":
		if len(args) != 3 {
			return wrongArgs(name)
		}
		delta, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return resp.AppendError(nil, "ERR value is not an integer or out of range")
		}
		return s.incrLocked(string(args[1]), delta)

	case "MGET":
		if len(args) < 2 {
			return wrongArgs(name)
		}
		buf := resp.AppendArrayHeader(nil, len(args)-1)
		for _, k := range args[1:] {
			key := string(k)
			s.expireLocked(key)
			if e, ok := s.data[key]; ok {
				buf = resp.AppendBulk(buf, e.value)
			} else {
				buf = resp.AppendNull(buf)
			}
		}
		return buf

	case "EXPIRE":
		if len(args) != 3 {
			return wrongArgs(name)
		}
		secs, err := strconv.Atoi(string(args[2]))
		if err != nil {
			return resp.AppendError(nil, "ERR value is not an integer or out of range")
		}
		key := string(args[1])
		s.expireLocked(key)
		e, ok := s.data[key]
		if !ok {
			return resp.AppendInteger(nil, 0)
		}
		e.expiresAt = time.Now().Add(time.Duration(secs) * time.Second)
		s.versions[key]++
		return resp.AppendInteger(nil, 1)

	case "TTL":
		if len(args) != 2 {
			return wrongArgs(name)
		}
		key := string(args[1])
		s.expireLocked(key)
		e, ok := s.data[key]
		if !ok {
			return resp.AppendInteger(nil, -2)
		}
		if e.expiresAt.IsZero() {
			return resp.AppendInteger(nil, -1)
		}
		secs := int64((time.Until(e.expiresAt) + time.Second - 1) / time.Second)
		return resp.AppendInteger(nil, secs)

	case "DBSIZE":
		for key := range s.data {
			s.expireLocked(key)
		}
		return resp.AppendInteger(nil, int64(len(s.data)))

	case "FLUSHDB":
		for key := range s.data {
			delete(s.data, key)
			s.versions[key]++
		}
		return resp.AppendSimpleString(nil, "OK")

	case "CLUSTER":
		if len(args) == 2 && strings.EqualFold(string(args[1]), "SLOTS") {
			return s.slotsReplyLocked()
		}
		return resp.AppendError(nil, "ERR unknown CLUSTER subcommand")

	case "SELECT", "AUTH", "ASKING":
		return resp.AppendSimpleString(nil, "OK")

	case "UNWATCH":
		// Reached only from inside an EXEC queue.
		return resp.AppendSimpleString(nil, "OK")
	}
	return resp.AppendError(nil, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(name)))
}

func (s *Server) setLocked(args [][]byte) []byte {
	if len(args) < 3 {
		return wrongArgs("set")
	}
	key := string(args[1])
	var ttl time.Duration
	nx := false
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "NX":
			nx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return resp.AppendError(nil, "ERR syntax error")
			}
			n, err := strconv.Atoi(string(args[i+1]))
			if err != nil || n <= 0 {
				return resp.AppendError(nil, "ERR invalid expire time in 'set' command")
			}
			unit := time.Second
			if strings.EqualFold(string(args[i]), "PX") {
				unit = time.Millisecond
			}
			ttl = time.Duration(n) * unit
			i++
		default:
			return resp.AppendError(nil, "ERR syntax error")
		}
	}
	s.expireLocked(key)
	if nx {
		if _, exists := s.data[key]; exists {
			return resp.AppendNull(nil)
		}
	}
	e := &entry{value: slices.Clone(args[2])}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
	s.versions[key]++
	return resp.AppendSimpleString(nil, "OK")
}

func (s *Server) incrLocked(key string, delta int64) []byte {
	s.expireLocked(key)
	var cur int64
	e, ok := s.data[key]
	if ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return resp.AppendError(nil, "ERR value is not an integer or out of range")
		}
		cur = n
	} else {
		e = &entry{}
		s.data[key] = e
	}
	cur += delta
	e.value = []byte(strconv.FormatInt(cur, 10))
	s.versions[key]++
	return resp.AppendInteger(nil, cur)
}

func (s *Server) slotsReplyLocked() []byte {
	buf := resp.AppendArrayHeader(nil, len(s.slots))
	for _, e := range s.slots {
		buf = resp.AppendArrayHeader(buf, 3)
		buf = resp.AppendInteger(buf, int64(e.Start))
		buf = resp.AppendInteger(buf, int64(e.End))
		buf = resp.AppendArrayHeader(buf, 2)
		buf = resp.AppendBulkString(buf, e.Host)
		buf = resp.AppendInteger(buf, int64(e.Port))
	}
	return buf
}

// expireLocked drops key once its deadline passed, bumping its version
// the way any write would.
func (s *Server) expireLocked(key string) {
	e, ok := s.data[key]
	if !ok || e.expiresAt.IsZero() || time.Now().Before(e.expiresAt) {
		return
	}
	delete(s.data, key)
	s.versions[key]++
}

func commandArgs(v resp.Value) ([][]byte, bool) {
	if v.Type != resp.TypeArray {
		return nil, false
	}
	args := make([][]byte, len(v.Elems))
	for i, e := range v.Elems {
		switch e.Type {
		case resp.TypeBulkString:
			args[i] = e.Bulk
		case resp.TypeSimpleString:
			args[i] = []byte(e.Str)
		default:
			return nil, false
		}
	}
	return args, true
}

func renderCommand(args [][]byte) string {
	parts := make([]string, len(args))
	parts[0] = strings.ToUpper(string(args[0]))
	for i, a := range args[1:] {
		parts[i+1] = string(a)
	}
	return strings.Join(parts, " ")
}

func wrongArgs(name string) []byte {
	return resp.AppendError(nil, fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
}
