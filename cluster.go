package redio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redio/redio/resp"
)

const topologyProbeTimeout = 5 * time.Second

// ClusterClient routes batches and operations across a Redis Cluster by
// key slot. A background monitor keeps the slot-to-node routing table
// fresh; routing reads an immutable snapshot of it, so a refresh never
// stalls the hot path.
type ClusterClient struct {
	cfg     ClusterConfig
	monitor *topologyMonitor
	stats   *clientStatsCollector
	closed  atomic.Bool
}

var _ Executor = (*ClusterClient)(nil)

// NewClusterClient builds a cluster client from seed addresses and
// starts the topology monitor. Use WaitReady to observe the first
// successful topology fetch.
func NewClusterClient(seeds []string, cfg ClusterConfig) (*ClusterClient, error) {
	if len(seeds) == 0 {
		return nil, errors.New("redio: cluster client needs at least one seed address")
	}
	normalized := make([]string, len(seeds))
	for i, s := range seeds {
		addr, err := ParseNodeAddress(s)
		if err != nil {
			return nil, err
		}
		normalized[i] = addr.String()
	}
	cfg = cfg.withDefaults()
	c := &ClusterClient{
		cfg:     cfg,
		monitor: newTopologyMonitor(cfg),
		stats:   newClientStatsCollector(),
	}
	go c.monitor.run(normalized)
	return c, nil
}

// ExecuteBatch routes b to the node owning its key's slot and follows
// MOVED/ASK redirections up to MovedRetries times.
func (c *ClusterClient) ExecuteBatch(ctx context.Context, b *Batch) (any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := checkLevel(b, LevelCluster); err != nil {
		c.stats.recordError()
		return nil, err
	}
	c.stats.recordBatch()
	result, err := c.executeRouted(ctx, b)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	return result, nil
}

func (c *ClusterClient) executeRouted(ctx context.Context, b *Batch) (any, error) {
	node := c.routeKey(b.Key())
	if node == nil {
		return nil, ErrNoSlotOwner
	}
	result, err := node.ExecuteBatch(ctx, b)
	for attempt := 0; err != nil && attempt < c.cfg.MovedRetries; attempt++ {
		addr, ask, ok := resp.ParseRedirect(err)
		if !ok {
			break
		}
		c.stats.recordRedirect()
		if !ask {
			// The table is stale; refresh so later batches route right.
			c.monitor.requestRefresh()
		}
		target, terr := c.monitor.clientForAddress(ctx, addr)
		if terr != nil {
			return nil, terr
		}
		if ask {
			result, err = target.ExecuteBatch(ctx, askingBatch(b))
		} else {
			result, err = target.ExecuteBatch(ctx, b)
		}
	}
	return result, err
}

// ExecuteOp routes the operation by its first batch's key. Redirections
// are not followed mid-chain, since a reservation-bound chain cannot be
// replayed transparently, but a redirect failure still triggers a
// refresh so a caller-side retry lands on the right node.
func (c *ClusterClient) ExecuteOp(ctx context.Context, op *Op) (any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.stats.recordOp()
	node := c.routeKey(op.First().Key())
	if node == nil {
		c.stats.recordError()
		return nil, ErrNoSlotOwner
	}
	result, err := node.ExecuteOp(ctx, op)
	if err != nil {
		if _, _, ok := resp.ParseRedirect(err); ok {
			c.monitor.requestRefresh()
		}
		c.stats.recordError()
		return nil, err
	}
	return result, nil
}

// WaitReady blocks until the monitor has fetched a topology once.
func (c *ClusterClient) WaitReady(ctx context.Context) error {
	select {
	case <-c.monitor.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.monitor.done:
		return ErrClientClosed
	}
}

// ForEachMaster runs fn concurrently against every master in the
// current routing table and returns the first error.
func (c *ClusterClient) ForEachMaster(ctx context.Context, fn func(ctx context.Context, node *NodeClient) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	table := c.monitor.snapshot()
	if len(table) == 0 {
		return ErrNoSlotOwner
	}
	g, gctx := errgroup.WithContext(ctx)
	seen := make(map[*NodeClient]struct{}, len(table))
	for _, entry := range table {
		if _, ok := seen[entry.Client]; ok {
			continue
		}
		seen[entry.Client] = struct{}{}
		node := entry.Client
		g.Go(func() error { return fn(gctx, node) })
	}
	return g.Wait()
}

// Mapping returns a copy of the current routing table, sorted by range
// start. Empty until the first successful refresh.
func (c *ClusterClient) Mapping() []SlotMapping {
	return slices.Clone(c.monitor.snapshot())
}

// Stats returns a snapshot of this client's counters.
func (c *ClusterClient) Stats() ClientStats { return c.stats.snapshot() }

// Close stops the monitor and closes every owned node client and
// monitoring connection. Idempotent.
func (c *ClusterClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.monitor.close()
	return nil
}

func (c *ClusterClient) routeKey(key string) *NodeClient {
	return lookupSlot(c.monitor.snapshot(), Slot(key))
}

// askingBatch prefixes b with ASKING for an ASK redirect and strips the
// extra reply before b's own decode runs.
func askingBatch(b *Batch) *Batch {
	cmds := make([]Command, 0, len(b.Commands)+1)
	cmds = append(cmds, NewCommand("ASKING"))
	cmds = append(cmds, b.Commands...)
	return NewBatch(cmds...).WithKey(b.Key()).WithLevel(b.Level).
		WithDecode(func(vs []resp.Value) (any, error) {
			if err := vs[0].Err(); err != nil {
				return nil, err
			}
			return b.decodeReplies(vs[1:])
		})
}

// topologyMonitor owns the routing table and every per-master resource:
// the monitoring connections used for CLUSTER SLOTS probes and the node
// clients user traffic routes to. A single goroutine (run) performs all
// state transitions; the exported surface only sends it messages or
// reads the published snapshot.
type topologyMonitor struct {
	cfg ClusterConfig
	log *slog.Logger

	refreshCh chan struct{}
	clientCh  chan clientRequest
	probeCh   chan probeResult
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mapping   atomic.Pointer[[]SlotMapping]
	ready     chan struct{}
	readyOnce sync.Once

	// Owned by the run goroutine.
	conns       map[string]*Conn
	clients     map[string]*NodeClient
	owners      []SlotOwner
	fingerprint uint64
	lastRefresh time.Time
	probing     bool
}

type clientRequest struct {
	addr  string
	reply chan *NodeClient
}

type probeResult struct {
	owners []SlotOwner
	err    error
}

func newTopologyMonitor(cfg ClusterConfig) *topologyMonitor {
	return &topologyMonitor{
		cfg:         cfg,
		log:         cfg.Logger,
		refreshCh:   make(chan struct{}, 1),
		clientCh:    make(chan clientRequest),
		probeCh:     make(chan probeResult, 1),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		ready:       make(chan struct{}),
		conns:       make(map[string]*Conn),
		clients:     make(map[string]*NodeClient),
		fingerprint: fingerprintOwners(nil),
	}
}

func (m *topologyMonitor) run(seeds []string) {
	defer close(m.stopped)

	for _, addr := range seeds {
		m.connFor(addr)
	}
	m.maybeRefresh()

	ticker := time.NewTicker(m.cfg.AutoRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			m.shutdown()
			return
		case <-ticker.C:
			m.maybeRefresh()
		case <-m.refreshCh:
			m.maybeRefresh()
		case req := <-m.clientCh:
			req.reply <- m.clientFor(req.addr)
		case res := <-m.probeCh:
			m.handleProbe(res)
		}
	}
}

// maybeRefresh starts a probe cycle unless one is already running or
// the debounce window since the last honored refresh is still open.
func (m *topologyMonitor) maybeRefresh() {
	if m.probing {
		return
	}
	if time.Since(m.lastRefresh) < m.cfg.MinRefreshInterval {
		return
	}
	conns := m.probeConns()
	if len(conns) == 0 {
		m.log.Warn("no nodes to probe for topology")
		return
	}
	m.probing = true
	m.lastRefresh = time.Now()
	go m.probe(conns)
}

// probeConns picks the monitoring connections for one refresh: all of
// them before the first topology arrives, then a uniform sample of
// NodesToQuery masters via a partial Fisher-Yates shuffle.
func (m *topologyMonitor) probeConns() []*Conn {
	addrs := make([]string, 0, len(m.conns))
	for addr := range m.conns {
		addrs = append(addrs, addr)
	}
	n := m.cfg.NodesToQuery
	if len(m.owners) == 0 || n > len(addrs) {
		n = len(addrs)
	}
	for i := 0; i < n; i++ {
		j := i + rand.IntN(len(addrs)-i)
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
	conns := make([]*Conn, 0, n)
	for _, addr := range addrs[:n] {
		if c := m.connFor(addr); c != nil {
			conns = append(conns, c)
		}
	}
	return conns
}

// probe queries the sampled nodes one at a time; the first good reply
// wins. Runs off the monitor goroutine so the monitor stays responsive
// while a slow node times out.
func (m *topologyMonitor) probe(conns []*Conn) {
	var lastErr error
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), topologyProbeTimeout)
		result, err := conn.Execute(ctx, ClusterSlots())
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", conn.Addr(), err)
			continue
		}
		owners, ok := result.([]SlotOwner)
		if !ok {
			lastErr = fmt.Errorf("%s: unexpected topology decode %T", conn.Addr(), result)
			continue
		}
		m.deliverProbe(probeResult{owners: owners})
		return
	}
	m.deliverProbe(probeResult{err: lastErr})
}

func (m *topologyMonitor) deliverProbe(res probeResult) {
	select {
	case m.probeCh <- res:
	case <-m.done:
	}
}

func (m *topologyMonitor) handleProbe(res probeResult) {
	m.probing = false
	if res.err != nil {
		// Keep the existing table: one failed probe must not blank it.
		m.log.Warn("topology refresh failed", "error", res.err)
		return
	}
	m.applyTopology(res.owners)
	m.readyOnce.Do(func() { close(m.ready) })
}

// applyTopology rebuilds the routing table from a decoded CLUSTER SLOTS
// reply. An unchanged topology is a no-op: nothing is published and the
// change listener does not fire.
func (m *topologyMonitor) applyTopology(owners []SlotOwner) {
	fp := fingerprintOwners(owners)
	if fp == m.fingerprint && ownersEqual(owners, m.owners) {
		return
	}

	masters := make(map[string]struct{}, len(owners))
	table := make([]SlotMapping, 0, len(owners))
	for _, o := range owners {
		addr := o.Addr.String()
		masters[addr] = struct{}{}
		client := m.clientFor(addr)
		if client == nil {
			// No client could be built; leave the range unroutable.
			continue
		}
		table = append(table, SlotMapping{Range: o.Range, Client: client})
		m.connFor(addr)
	}
	for addr, conn := range m.conns {
		if _, ok := masters[addr]; ok {
			continue
		}
		conn.Close()
		delete(m.conns, addr)
	}
	for addr, client := range m.clients {
		if _, ok := masters[addr]; ok {
			continue
		}
		delete(m.clients, addr)
		m.deferClose(client)
	}

	m.owners = owners
	m.fingerprint = fp
	m.mapping.Store(&table)
	m.log.Info("topology updated", "ranges", len(table), "masters", len(masters))
	if m.cfg.OnMappingChange != nil {
		m.cfg.OnMappingChange(slices.Clone(table))
	}
}

// clientFor returns the routing client for addr, creating it on first
// use. MOVED targets may name masters the table has never seen.
func (m *topologyMonitor) clientFor(addr string) *NodeClient {
	if client, ok := m.clients[addr]; ok {
		return client
	}
	na, err := ParseNodeAddress(addr)
	if err != nil {
		m.log.Error("rejecting node address", "addr", addr, "error", err)
		return nil
	}
	client, err := NewNodeClient(addr, m.cfg.NodeFor(na))
	if err != nil {
		m.log.Error("creating node client failed", "addr", addr, "error", err)
		return nil
	}
	m.clients[addr] = client
	return client
}

// connFor returns the monitoring connection for addr, creating it on
// first use and replacing it once it has terminally closed (a conn that
// ran out of reconnect attempts stays dead).
func (m *topologyMonitor) connFor(addr string) *Conn {
	if conn, ok := m.conns[addr]; ok {
		select {
		case <-conn.Done():
		default:
			return conn
		}
	}
	na, err := ParseNodeAddress(addr)
	if err != nil {
		m.log.Error("rejecting monitor address", "addr", addr, "error", err)
		return nil
	}
	conn := NewConn(addr, m.cfg.MonitorConnFor(na))
	_ = conn.Open(context.Background(), false)
	m.conns[addr] = conn
	return conn
}

// deferClose retires a demoted master's client after a drain delay so
// in-flight traffic routed by older snapshots can finish.
func (m *topologyMonitor) deferClose(client *NodeClient) {
	go func() {
		t := time.NewTimer(m.cfg.NodeClientCloseDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-m.done:
		}
		client.Close()
	}()
}

func (m *topologyMonitor) shutdown() {
	for _, conn := range m.conns {
		conn.Close()
	}
	for _, client := range m.clients {
		client.Close()
	}
	m.log.Debug("topology monitor stopped")
}

func (m *topologyMonitor) snapshot() []SlotMapping {
	p := m.mapping.Load()
	if p == nil {
		return nil
	}
	return *p
}

// requestRefresh asks for a refresh without blocking. The request is
// dropped when one is already queued; the debounce window is enforced
// by the monitor goroutine.
func (m *topologyMonitor) requestRefresh() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// clientForAddress resolves addr to its routing client, creating one if
// the monitor has never seen the address.
func (m *topologyMonitor) clientForAddress(ctx context.Context, addr string) (*NodeClient, error) {
	req := clientRequest{addr: addr, reply: make(chan *NodeClient, 1)}
	select {
	case m.clientCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrClientClosed
	}
	select {
	case client := <-req.reply:
		if client == nil {
			return nil, fmt.Errorf("redio: no node client for %s", addr)
		}
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrClientClosed
	}
}

func (m *topologyMonitor) close() {
	m.closeOnce.Do(func() { close(m.done) })
	<-m.stopped
}
