package redio

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redio/redio/resp"
)

// connState is the lifecycle of a connection unit.
type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateClosed
)

// Conn is a connection unit: it owns one socket to one Redis node and
// executes batches against it with strict FIFO reply correlation. All
// state is owned by a single message loop goroutine; the exported
// methods communicate with it through channels only, so a Conn is safe
// for concurrent use by many callers.
//
// Batches pipeline: each batch is written as one contiguous buffer, and
// replies are matched to batches in exactly the order their writes hit
// the wire. A Reservation freezes the wire for one caller so a dependent
// command sequence (WATCH ... MULTI/EXEC) cannot be interleaved with
// other callers' traffic.
type Conn struct {
	addr string
	cfg  ConnectionConfig
	log  *slog.Logger

	reqCh   chan *connRequest
	ctlCh   chan connControl
	eventCh chan connEvent

	ready    chan struct{} // closed once the first dial cycle resolves
	readyErr error         // read only after ready is closed

	done chan struct{} // closed when the loop has exited

	opened atomic.Bool
}

// Reservation is an exclusivity window on a Conn, held by one caller.
// While held, no other caller's batches reach the wire; they queue in
// arrival order and are serviced after Release.
type Reservation struct {
	conn     *Conn
	released atomic.Bool
}

// connRequest is one Execute or Reserve submission.
type connRequest struct {
	ctx     context.Context
	batch   *Batch
	reserve bool
	under   *Reservation // non-nil when submitted through a held reservation

	replyCh chan connReply // buffered 1; the loop sends at most once
	claimed atomic.Bool    // grant handoff token, see finishReserving

	// loop-owned
	got []resp.Value
	res *Reservation // reservation being granted, set at write time
}

type connReply struct {
	values []resp.Value
	res    *Reservation
	err    error
}

type ctlKind int

const (
	ctlRelease ctlKind = iota
	ctlClose
)

type connControl struct {
	kind ctlKind
	res  *Reservation
}

type eventKind int

const (
	evDialed eventKind = iota
	evDialFailed
	evValue
	evReadErr
)

// connEvent is a message from a dialer or reader goroutine. Events carry
// the socket generation they belong to; the loop drops events from dead
// generations.
type connEvent struct {
	gen     uint64
	kind    eventKind
	netConn net.Conn
	reader  *resp.Reader
	val     resp.Value
	err     error
}

// NewConn builds a connection unit for addr. It does nothing until Open.
func NewConn(addr string, cfg ConnectionConfig) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		addr:    addr,
		cfg:     cfg,
		log:     cfg.Logger.With("addr", addr),
		reqCh:   make(chan *connRequest),
		ctlCh:   make(chan connControl),
		eventCh: make(chan connEvent, 64),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Addr returns the node address this unit connects to.
func (c *Conn) Addr() string { return c.addr }

// Open starts the unit's message loop and the first dial cycle. With
// mustConnect it waits until the first dial cycle succeeds or gives up;
// otherwise it returns immediately and batches queue until connected.
// Open must be called exactly once.
func (c *Conn) Open(ctx context.Context, mustConnect bool) error {
	if !c.opened.CompareAndSwap(false, true) {
		return errors.New("redio: connection already opened")
	}
	go c.run()
	if !mustConnect {
		return nil
	}
	return c.WaitReady(ctx)
}

// WaitReady blocks until the first dial cycle has resolved, returning
// nil when the unit connected and the terminal fault when it never did.
func (c *Conn) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case <-c.ready:
			return c.readyErr
		default:
		}
		return ErrConnectionClosed
	}
}

// Done returns a channel closed when the unit is terminally closed,
// whether by Close or by reconnect exhaustion.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the unit down. Pending and queued batches fail with
// ErrConnectionClosed. Idempotent.
func (c *Conn) Close() error {
	if c.opened.CompareAndSwap(false, true) {
		// Never opened; there is no loop to stop.
		close(c.done)
		return nil
	}
	select {
	case c.ctlCh <- connControl{kind: ctlClose}:
		<-c.done
	case <-c.done:
	}
	return nil
}

// Execute pipelines the batch and returns its decoded result. Replies
// are correlated FIFO with every other batch on this unit. On timeout
// the wait is abandoned; the in-flight commands are not retracted and
// their late replies are discarded by the loop.
func (c *Conn) Execute(ctx context.Context, b *Batch) (any, error) {
	values, _, err := c.submit(ctx, b, false, nil)
	if err != nil {
		return nil, err
	}
	return b.decodeReplies(values)
}

// Reserve executes the batch and, once it is on the wire, holds the unit
// exclusively for the returned Reservation. Decode failures release the
// reservation before returning.
func (c *Conn) Reserve(ctx context.Context, b *Batch) (*Reservation, any, error) {
	values, res, err := c.submit(ctx, b, true, nil)
	if err != nil {
		return nil, nil, err
	}
	result, err := b.decodeReplies(values)
	if err != nil {
		res.Release()
		return nil, nil, err
	}
	return res, result, nil
}

// Ping round-trips a PING, for health checking.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, Ping())
	return err
}

// Execute runs a batch inside the reservation's exclusivity window.
func (r *Reservation) Execute(ctx context.Context, b *Batch) (any, error) {
	if r.released.Load() {
		return nil, ErrReservationReleased
	}
	values, _, err := r.conn.submit(ctx, b, false, r)
	if err != nil {
		return nil, err
	}
	return b.decodeReplies(values)
}

// Release ends the exclusivity window; queued callers are serviced in
// arrival order. Idempotent.
func (r *Reservation) Release() {
	if r.released.Swap(true) {
		return
	}
	select {
	case r.conn.ctlCh <- connControl{kind: ctlRelease, res: r}:
	case <-r.conn.done:
	}
}

func (c *Conn) submit(ctx context.Context, b *Batch, reserve bool, under *Reservation) ([]resp.Value, *Reservation, error) {
	if !c.opened.Load() {
		return nil, nil, errors.New("redio: connection not opened")
	}
	if len(b.Commands) == 0 {
		return nil, nil, errors.New("redio: empty batch")
	}
	req := &connRequest{
		ctx:     ctx,
		batch:   b,
		reserve: reserve,
		under:   under,
		replyCh: make(chan connReply, 1),
	}

	select {
	case c.reqCh <- req:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-c.done:
		return nil, nil, ErrConnectionClosed
	}

	select {
	case rep := <-req.replyCh:
		return rep.values, rep.res, rep.err
	case <-ctx.Done():
		// A reservation grant may be racing this abandonment. Claiming
		// the request decides the race: once claimed here, the loop
		// rolls the window back itself instead of granting. If the loop
		// claimed first its reply is already committed, so collect it
		// and release any window it carries.
		if !req.claimed.CompareAndSwap(false, true) {
			rep := <-req.replyCh
			if rep.res != nil {
				rep.res.Release()
			}
		}
		return nil, nil, ctx.Err()
	}
}

// connLoop is the loop goroutine's private state. Nothing here is
// touched from outside the loop.
type connLoop struct {
	c *Conn

	state     connState
	gen       uint64
	netConn   net.Conn
	pending   []*connRequest // written, awaiting replies, FIFO
	queue     []*connRequest // accepted, not yet written, FIFO
	reserved  *Reservation
	lastFault error

	readySignaled bool
}

func (c *Conn) run() {
	l := &connLoop{c: c, state: stateConnecting, gen: 1}
	go c.dialLoop(l.gen)

	for l.state != stateClosed {
		select {
		case req := <-c.reqCh:
			l.handleRequest(req)
		case ctl := <-c.ctlCh:
			l.handleControl(ctl)
		case ev := <-c.eventCh:
			l.handleEvent(ev)
		}
	}
}

func (l *connLoop) handleRequest(req *connRequest) {
	if req.ctx.Err() != nil {
		req.replyCh <- connReply{err: req.ctx.Err()}
		return
	}

	if req.under != nil {
		if l.reserved != req.under {
			err := l.lastFault
			if err == nil {
				err = ErrReservationReleased
			}
			req.replyCh <- connReply{err: err}
			return
		}
		l.writeRequest(req)
		return
	}

	if l.state != stateConnected || l.reserved != nil {
		l.queue = append(l.queue, req)
		return
	}
	l.writeRequest(req)
}

func (l *connLoop) handleControl(ctl connControl) {
	switch ctl.kind {
	case ctlRelease:
		if l.reserved != ctl.res {
			return
		}
		l.reserved = nil
		l.drainQueue()
	case ctlClose:
		l.shutdown(ErrConnectionClosed)
	}
}

func (l *connLoop) handleEvent(ev connEvent) {
	if ev.gen != l.gen {
		// A dead generation's reader or dialer. A stale dialer still
		// delivered a socket; close it.
		if ev.kind == evDialed {
			ev.netConn.Close()
		}
		return
	}

	switch ev.kind {
	case evDialed:
		l.state = stateConnected
		l.netConn = ev.netConn
		l.lastFault = nil
		l.c.log.Info("connected")
		if !l.readySignaled {
			l.readySignaled = true
			close(l.c.ready)
		}
		go l.c.readLoop(l.gen, ev.reader)
		l.drainQueue()

	case evDialFailed:
		l.lastFault = &ConnectionError{Op: "dial", Addr: l.c.addr, Err: ev.err}
		l.c.log.Warn("reconnect abandoned", "error", ev.err)
		l.shutdown(l.lastFault)

	case evValue:
		l.handleReply(ev.val)

	case evReadErr:
		l.disconnect("read", ev.err)
	}
}

func (l *connLoop) handleReply(v resp.Value) {
	if len(l.pending) == 0 {
		l.disconnect("read", &resp.ProtocolError{Message: "unsolicited reply"})
		return
	}
	head := l.pending[0]
	head.got = append(head.got, v)
	if len(head.got) < len(head.batch.Commands) {
		return
	}
	l.pending = l.pending[1:]

	if head.res != nil {
		l.finishReserving(head)
		return
	}
	head.replyCh <- connReply{values: head.got}
}

// finishReserving completes a reserving batch. The grant handoff races
// the caller's abandonment on ctx expiry, so the request's claim token
// decides it: whichever side claims first acts, the other follows. A
// window that cannot be handed off is rolled back here, because its
// caller can never release it.
func (l *connLoop) finishReserving(head *connRequest) {
	if !head.claimed.CompareAndSwap(false, true) {
		// The caller abandoned; nobody will read the reply channel.
		head.res.released.Store(true)
		l.reserved = nil
		l.drainQueue()
		return
	}
	if err := head.ctx.Err(); err != nil {
		head.res.released.Store(true)
		l.reserved = nil
		head.replyCh <- connReply{err: err}
		l.drainQueue()
		return
	}
	head.replyCh <- connReply{values: head.got, res: head.res}
}

// writeRequest encodes the batch, puts it on the wire and registers it
// for reply correlation. A reserving request claims the unit at write
// time so no later write can slip inside the window.
func (l *connLoop) writeRequest(req *connRequest) {
	if req.reserve {
		req.res = &Reservation{conn: l.c}
		l.reserved = req.res
	}

	bp := writeBufPool.Get().(*[]byte)
	buf := (*bp)[:0]
	for _, cmd := range req.batch.Commands {
		buf = resp.AppendCommand(buf, cmd.Args)
	}

	l.pending = append(l.pending, req)

	l.netConn.SetWriteDeadline(time.Now().Add(l.c.cfg.WriteTimeout))
	n, err := l.netConn.Write(buf)
	*bp = buf[:0]
	writeBufPool.Put(bp)

	if n > 0 && l.c.cfg.TrafficListener != nil {
		l.c.cfg.TrafficListener.Wrote(n)
	}
	if err != nil {
		l.disconnect("write", err)
	}
}

// drainQueue services queued requests in arrival order until the unit
// is reserved again, the socket is gone, or the queue is empty.
func (l *connLoop) drainQueue() {
	for len(l.queue) > 0 && l.state == stateConnected && l.reserved == nil {
		req := l.queue[0]
		l.queue = l.queue[1:]
		if req.ctx.Err() != nil {
			req.replyCh <- connReply{err: req.ctx.Err()}
			continue
		}
		l.writeRequest(req)
	}
}

// disconnect handles the loss of the current socket: applies the retry
// policy to accepted work, terminates any reservation, and starts a new
// dial cycle.
func (l *connLoop) disconnect(op string, cause error) {
	if l.state != stateConnected {
		return
	}
	l.netConn.Close()
	l.netConn = nil
	l.lastFault = &ConnectionError{Op: op, Addr: l.c.addr, Err: cause}
	l.c.log.Warn("connection lost", "op", op, "error", cause)

	if l.reserved != nil {
		l.reserved.released.Store(true)
		l.reserved = nil
	}

	switch l.c.cfg.RetryPolicy {
	case RetryNever:
		l.failAll(l.pending, l.lastFault)
		l.failAll(l.queue, l.lastFault)
		l.pending, l.queue = nil, nil
	case RetryUnsent:
		l.failAll(l.pending, l.lastFault)
		l.pending = nil
	case RetryAll:
		// A reservation died with the socket, so steps submitted under it
		// cannot be replayed; only free-standing batches requeue.
		var replay []*connRequest
		for _, req := range l.pending {
			if req.under != nil {
				req.replyCh <- connReply{err: l.lastFault}
				continue
			}
			req.got = nil
			req.res = nil
			replay = append(replay, req)
		}
		l.queue = append(replay, l.queue...)
		l.pending = nil
	}

	l.state = stateConnecting
	l.gen++
	go l.c.dialLoop(l.gen)
}

func (l *connLoop) failAll(reqs []*connRequest, err error) {
	for _, req := range reqs {
		req.replyCh <- connReply{err: err}
	}
}

// shutdown moves the unit to its terminal state and fails everything
// still waiting.
func (l *connLoop) shutdown(cause error) {
	if l.netConn != nil {
		l.netConn.Close()
		l.netConn = nil
	}
	if l.reserved != nil {
		l.reserved.released.Store(true)
		l.reserved = nil
	}
	l.failAll(l.pending, cause)
	l.failAll(l.queue, cause)
	l.pending, l.queue = nil, nil

	if !l.readySignaled {
		l.readySignaled = true
		l.c.readyErr = cause
		close(l.c.ready)
	}
	l.state = stateClosed
	l.c.log.Debug("closed")
	close(l.c.done)
}

// dialLoop runs one dial cycle: attempts under the configured backoff
// until a socket is established or the schedule stops.
func (c *Conn) dialLoop(gen uint64) {
	bo := c.cfg.Backoff()
	for {
		nc, reader, err := c.dialOnce()
		if err == nil {
			if !c.sendEvent(connEvent{gen: gen, kind: evDialed, netConn: nc, reader: reader}) {
				nc.Close()
			}
			return
		}

		d := bo.NextBackOff()
		if d == backoff.Stop {
			c.sendEvent(connEvent{gen: gen, kind: evDialFailed, err: err})
			return
		}
		c.log.Debug("dial failed", "error", err, "retry_in", d)

		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-c.done:
			t.Stop()
			return
		}
	}
}

// dialOnce establishes one socket and runs the init commands on it
// before any user traffic. An error reply to an init command fails the
// attempt.
func (c *Conn) dialOnce() (net.Conn, *resp.Reader, error) {
	nc, err := net.DialTimeout("tcp", c.addr, c.cfg.DialTimeout)
	if err != nil {
		return nil, nil, err
	}

	var reader *resp.Reader
	if c.cfg.TrafficListener != nil {
		reader = resp.NewReader(&countingReader{r: nc, l: c.cfg.TrafficListener})
	} else {
		reader = resp.NewReader(nc)
	}

	if len(c.cfg.InitCommands) > 0 {
		bp := writeBufPool.Get().(*[]byte)
		buf := (*bp)[:0]
		for _, cmd := range c.cfg.InitCommands {
			buf = resp.AppendCommand(buf, cmd.Args)
		}
		nc.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
		n, werr := nc.Write(buf)
		*bp = buf[:0]
		writeBufPool.Put(bp)
		if werr != nil {
			nc.Close()
			return nil, nil, werr
		}
		if c.cfg.TrafficListener != nil {
			c.cfg.TrafficListener.Wrote(n)
		}
		for range c.cfg.InitCommands {
			v, rerr := reader.ReadValue()
			if rerr != nil {
				nc.Close()
				return nil, nil, rerr
			}
			if err := v.Err(); err != nil {
				nc.Close()
				return nil, nil, err
			}
		}
		nc.SetDeadline(time.Time{})
	}
	return nc, reader, nil
}

// readLoop decodes replies off one socket generation and feeds them to
// the message loop.
func (c *Conn) readLoop(gen uint64, reader *resp.Reader) {
	for {
		v, err := reader.ReadValue()
		if err != nil {
			c.sendEvent(connEvent{gen: gen, kind: evReadErr, err: err})
			return
		}
		if !c.sendEvent(connEvent{gen: gen, kind: evValue, val: v}) {
			return
		}
	}
}

func (c *Conn) sendEvent(ev connEvent) bool {
	select {
	case c.eventCh <- ev:
		return true
	case <-c.done:
		return false
	}
}

// countingReader reports raw read sizes to the traffic listener.
type countingReader struct {
	r net.Conn
	l TrafficListener
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.l.Read(n)
	}
	return n, err
}

// writeBufPool recycles batch encode buffers across connections.
var writeBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}
