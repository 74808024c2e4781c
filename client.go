package redio

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"
)

// Executor is the execution surface shared by all three clients: a
// single-connection client, a pooled node client, and a cluster client.
//
// ExecuteBatch pipelines one batch and resolves exactly once with its
// decoded result or a failure. ExecuteOp drives a dependent chain under
// a reservation. WaitReady blocks until the underlying connection(s) or
// topology are first usable; work submitted before that is queued.
// Close is idempotent; in-flight work fails with ErrClientClosed or the
// connection fault that interrupted it.
type Executor interface {
	ExecuteBatch(ctx context.Context, b *Batch) (any, error)
	ExecuteOp(ctx context.Context, op *Op) (any, error)
	WaitReady(ctx context.Context) error
	Close() error
}

func checkLevel(b *Batch, permitted Level) error {
	if b.Level > permitted {
		return &LevelError{Required: b.Level, Permitted: permitted}
	}
	return nil
}

// ConnectionClient executes everything on one shared connection unit.
// It permits connection-level batches, so callers can mutate connection
// state (SELECT, WATCH); because of that the retry policy is forced to
// RetryNever, since replaying such commands behind the caller's back
// could run them twice.
type ConnectionClient struct {
	conn   *Conn
	stats  *clientStatsCollector
	closed atomic.Bool
}

var _ Executor = (*ConnectionClient)(nil)

// NewConnectionClient builds a client over one connection to addr and
// starts connecting in the background. Use WaitReady to observe the
// first connect.
func NewConnectionClient(addr string, cfg ConnectionConfig) *ConnectionClient {
	cfg.RetryPolicy = RetryNever
	c := &ConnectionClient{
		conn:  NewConn(addr, cfg),
		stats: newClientStatsCollector(),
	}
	// Queue work until the first dial lands.
	_ = c.conn.Open(context.Background(), false)
	return c
}

func (c *ConnectionClient) ExecuteBatch(ctx context.Context, b *Batch) (any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.stats.recordBatch()
	result, err := c.conn.Execute(ctx, b)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	return result, nil
}

func (c *ConnectionClient) ExecuteOp(ctx context.Context, op *Op) (any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.stats.recordOp()
	result, err := runOp(ctx, c.conn, op)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	return result, nil
}

func (c *ConnectionClient) WaitReady(ctx context.Context) error {
	return c.conn.WaitReady(ctx)
}

func (c *ConnectionClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Stats returns a snapshot of this client's counters.
func (c *ConnectionClient) Stats() ClientStats { return c.stats.snapshot() }

// Addr returns the node address the client connects to.
func (c *ConnectionClient) Addr() string { return c.conn.Addr() }

// NodeClient multiplexes batches over a fixed-size pool of connection
// units to one node. It permits node-level batches; connection-level
// batches are rejected because pooled connections are shared, but an
// operation may still use them inside its reservation.
type NodeClient struct {
	addr string
	cfg  NodeConfig
	log  *slog.Logger

	pool    *puddle.Pool[*Conn]
	breaker *gobreaker.CircuitBreaker[any]

	created   atomic.Uint64
	destroyed atomic.Uint64
	stats     *clientStatsCollector

	stopHealth chan struct{}
	closed     atomic.Bool
}

var _ Executor = (*NodeClient)(nil)

// NewNodeClient builds a pooled client for addr. Connections are created
// lazily as the pool fills.
func NewNodeClient(addr string, cfg NodeConfig) (*NodeClient, error) {
	cfg = cfg.withDefaults()
	n := &NodeClient{
		addr:       addr,
		cfg:        cfg,
		log:        cfg.Logger.With("addr", addr),
		stats:      newClientStatsCollector(),
		stopHealth: make(chan struct{}),
	}

	pool, err := puddle.NewPool(&puddle.Config[*Conn]{
		Constructor: n.construct,
		Destructor:  n.destruct,
		MaxSize:     cfg.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	n.pool = pool

	if cfg.NewBreaker != nil {
		n.breaker = cfg.NewBreaker(addr)
	}
	if cfg.HealthCheckInterval > 0 {
		go n.healthCheckLoop()
	}
	return n, nil
}

func (n *NodeClient) construct(ctx context.Context) (*Conn, error) {
	connCfg := n.cfg.ConnConfig(n.addr)
	if connCfg.Logger == nil {
		connCfg.Logger = n.cfg.Logger
	}
	conn := NewConn(n.addr, connCfg)
	if err := conn.Open(ctx, true); err != nil {
		conn.Close()
		return nil, err
	}
	n.created.Add(1)
	return conn, nil
}

func (n *NodeClient) destruct(conn *Conn) {
	n.destroyed.Add(1)
	_ = conn.Close()
}

func (n *NodeClient) ExecuteBatch(ctx context.Context, b *Batch) (any, error) {
	if n.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := checkLevel(b, LevelNode); err != nil {
		n.stats.recordError()
		return nil, err
	}
	n.stats.recordBatch()

	if n.breaker != nil {
		result, err := n.breaker.Execute(func() (any, error) {
			return n.executeDirect(ctx, b)
		})
		if err != nil {
			n.stats.recordError()
			return nil, err
		}
		return result, nil
	}

	result, err := n.executeDirect(ctx, b)
	if err != nil {
		n.stats.recordError()
		return nil, err
	}
	return result, nil
}

// executeDirect is the acquire/execute/release cycle. A failure that
// poisons the connection destroys it instead of returning it to the
// pool.
func (n *NodeClient) executeDirect(ctx context.Context, b *Batch) (any, error) {
	resource, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, mapPoolErr(err)
	}

	result, err := resource.Value().Execute(ctx, b)
	if err != nil {
		if shouldDestroyConn(err) {
			resource.Destroy()
		} else {
			resource.Release()
		}
		return nil, err
	}
	resource.Release()
	return result, nil
}

func (n *NodeClient) ExecuteOp(ctx context.Context, op *Op) (any, error) {
	if n.closed.Load() {
		return nil, ErrClientClosed
	}
	n.stats.recordOp()

	if n.breaker != nil {
		result, err := n.breaker.Execute(func() (any, error) {
			return n.executeOpDirect(ctx, op)
		})
		if err != nil {
			n.stats.recordError()
			return nil, err
		}
		return result, nil
	}

	result, err := n.executeOpDirect(ctx, op)
	if err != nil {
		n.stats.recordError()
		return nil, err
	}
	return result, nil
}

func (n *NodeClient) executeOpDirect(ctx context.Context, op *Op) (any, error) {
	resource, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, mapPoolErr(err)
	}

	result, err := runOp(ctx, resource.Value(), op)
	if err != nil {
		if shouldDestroyConn(err) {
			resource.Destroy()
		} else {
			resource.Release()
		}
		return nil, err
	}
	resource.Release()
	return result, nil
}

// WaitReady establishes at least one pool connection.
func (n *NodeClient) WaitReady(ctx context.Context) error {
	resource, err := n.pool.Acquire(ctx)
	if err != nil {
		return mapPoolErr(err)
	}
	resource.Release()
	return nil
}

// Close stops the health checker and closes the pool. Blocks until
// acquired connections are returned.
func (n *NodeClient) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	if n.cfg.HealthCheckInterval > 0 {
		close(n.stopHealth)
	}
	n.pool.Close()
	return nil
}

func (n *NodeClient) healthCheckLoop() {
	ticker := time.NewTicker(n.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopHealth:
			return
		case <-ticker.C:
			n.checkIdleConns()
		}
	}
}

// checkIdleConns pings every idle pooled connection and destroys the
// ones that fail, so a silently dead socket is not handed to the next
// caller.
func (n *NodeClient) checkIdleConns() {
	for _, resource := range n.pool.AcquireAllIdle() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := resource.Value().Ping(ctx)
		cancel()
		if err != nil {
			n.log.Debug("destroying unhealthy idle connection", "error", err)
			resource.Destroy()
			continue
		}
		resource.ReleaseUnused()
	}
}

// Stats returns a snapshot of this client's counters.
func (n *NodeClient) Stats() ClientStats { return n.stats.snapshot() }

// PoolStats returns a snapshot of the connection pool.
func (n *NodeClient) PoolStats() PoolStats {
	s := n.pool.Stat()
	return PoolStats{
		AcquireCount:      uint64(s.AcquireCount()),
		AcquireWaitCount:  uint64(s.EmptyAcquireCount()),
		CreatedConns:      n.created.Load(),
		DestroyedConns:    n.destroyed.Load(),
		AcquireErrors:     uint64(s.CanceledAcquireCount()),
		AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime().Nanoseconds()),
		TotalConns:        s.TotalResources(),
		IdleConns:         s.IdleResources(),
		ActiveConns:       s.AcquiredResources(),
	}
}

// BreakerState returns the circuit breaker state, or Closed when no
// breaker is configured.
func (n *NodeClient) BreakerState() gobreaker.State {
	if n.breaker == nil {
		return gobreaker.StateClosed
	}
	return n.breaker.State()
}

// Addr returns the node address this client serves.
func (n *NodeClient) Addr() string { return n.addr }

func mapPoolErr(err error) error {
	if errors.Is(err, puddle.ErrClosedPool) {
		return ErrClientClosed
	}
	return err
}
