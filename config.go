package redio

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// Defaults applied where a config field is zero.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	DefaultPoolSize            = 4
	DefaultHealthCheckInterval = 30 * time.Second

	DefaultAutoRefreshInterval  = 30 * time.Second
	DefaultMinRefreshInterval   = 2 * time.Second
	DefaultNodesToQuery         = 3
	DefaultNodeClientCloseDelay = 15 * time.Second
	DefaultMovedRetries         = 3
)

// RetryPolicy controls what a connection unit does with accepted batches
// when its socket drops.
type RetryPolicy int

const (
	// RetryNever fails every accepted, unanswered batch on connection
	// loss. Required where batches may carry non-idempotent
	// connection-state commands: a silent replay could run them twice.
	RetryNever RetryPolicy = iota

	// RetryUnsent replays batches that never reached the wire once
	// reconnected, and fails the ones already written. Safe for any
	// command mix; the pooled client's default.
	RetryUnsent

	// RetryAll also replays written-but-unanswered batches. Only safe
	// when the workload is idempotent.
	RetryAll
)

func (p RetryPolicy) String() string {
	switch p {
	case RetryNever:
		return "never"
	case RetryUnsent:
		return "unsent"
	case RetryAll:
		return "all"
	}
	return "unknown"
}

// TrafficListener observes raw socket traffic on a connection unit.
// Calls are made from the unit's internal goroutines; implementations
// must be fast and must not call back into the client. A nil listener
// disables the hook.
type TrafficListener interface {
	// Wrote is called after every successful raw write with the byte
	// count written.
	Wrote(n int)

	// Read is called after every successful raw read with the byte
	// count read.
	Read(n int)
}

// ConnectionConfig configures one connection unit.
type ConnectionConfig struct {
	// DialTimeout bounds one dial attempt. Zero means DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteTimeout bounds one socket write. Zero means
	// DefaultWriteTimeout.
	WriteTimeout time.Duration

	// RetryPolicy selects what happens to pending batches on connection
	// loss. The zero value is RetryNever.
	RetryPolicy RetryPolicy

	// InitCommands run on every established socket, initial and
	// reconnected, before any user traffic. Typical use: AUTH, SELECT.
	// A command failing with an error reply fails the connection
	// attempt.
	InitCommands []Command

	// Backoff builds the redial schedule for one reconnect cycle. When
	// the schedule stops, the unit closes and pending work fails with
	// the last fault. Nil means DefaultBackoff.
	Backoff func() backoff.BackOff

	// Logger receives connection lifecycle events. Nil discards.
	Logger *slog.Logger

	// TrafficListener observes raw reads and writes. Nil disables.
	TrafficListener TrafficListener
}

// DefaultConnectionConfig returns the config used by the pooled client
// for its connections.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
		RetryPolicy:  RetryUnsent,
		Backoff:      DefaultBackoff,
	}
}

// DefaultBackoff is the redial schedule used when ConnectionConfig.Backoff
// is nil: exponential from 50ms capped at 2s, giving up after one minute.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
	return c
}

// NodeConfig configures a pooled node client.
type NodeConfig struct {
	// PoolSize is the fixed number of connection units in the pool.
	// Zero means DefaultPoolSize.
	PoolSize int32

	// HealthCheckInterval is how often idle pooled connections are
	// pinged; stale ones are destroyed and rebuilt on demand. Zero
	// means DefaultHealthCheckInterval; negative disables.
	HealthCheckInterval time.Duration

	// ConnConfig supplies the connection config for a pool connection
	// to the given address. Nil means DefaultConnectionConfig for every
	// address.
	ConnConfig func(addr string) ConnectionConfig

	// NewBreaker builds the optional per-node circuit breaker wrapping
	// batch execution. Nil disables circuit breaking.
	NewBreaker func(addr string) *gobreaker.CircuitBreaker[any]

	// Logger receives client lifecycle events. Nil discards.
	Logger *slog.Logger
}

// DefaultNodeConfig returns the node client defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		PoolSize:            DefaultPoolSize,
		HealthCheckInterval: DefaultHealthCheckInterval,
	}
}

func (c NodeConfig) withDefaults() NodeConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.ConnConfig == nil {
		c.ConnConfig = func(string) ConnectionConfig { return DefaultConnectionConfig() }
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
	return c
}

// NewBreakerConfig returns a NewBreaker function building breakers that
// trip when at least 3 requests in the rolling interval failed at a 60%
// ratio.
func NewBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(addr string) *gobreaker.CircuitBreaker[any] {
	return func(addr string) *gobreaker.CircuitBreaker[any] {
		settings := gobreaker.Settings{
			Name:        addr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}
		return gobreaker.NewCircuitBreaker[any](settings)
	}
}

// ClusterConfig configures a cluster client and its topology monitor.
type ClusterConfig struct {
	// Node is the config for the routing node clients the monitor
	// creates, one per master.
	Node NodeConfig

	// NodeFor overrides Node for specific addresses. Nil means Node for
	// every address.
	NodeFor func(addr NodeAddress) NodeConfig

	// MonitorConn is the config for the monitor's own topology-query
	// connections. These default to RetryNever: a monitoring probe is
	// re-issued by the refresh cycle, never replayed.
	MonitorConn ConnectionConfig

	// MonitorConnFor overrides MonitorConn for specific addresses.
	MonitorConnFor func(addr NodeAddress) ConnectionConfig

	// AutoRefreshInterval is the period of the background topology
	// refresh. Zero means DefaultAutoRefreshInterval.
	AutoRefreshInterval time.Duration

	// MinRefreshInterval debounces refresh requests: a request arriving
	// earlier than this after the last honored refresh is dropped.
	// Zero means DefaultMinRefreshInterval.
	MinRefreshInterval time.Duration

	// NodesToQuery is how many known masters a refresh probes, sampled
	// uniformly at random. Zero means DefaultNodesToQuery.
	NodesToQuery int

	// NodeClientCloseDelay is how long the client of a demoted master
	// keeps running before it is closed, letting in-flight traffic
	// drain. Zero means DefaultNodeClientCloseDelay.
	NodeClientCloseDelay time.Duration

	// MovedRetries bounds how many MOVED/ASK redirections one batch
	// follows before giving up. Zero means DefaultMovedRetries.
	MovedRetries int

	// OnMappingChange is called with the new sorted mapping after every
	// refresh that changed the routing table. Called from the monitor
	// goroutine; must not block.
	OnMappingChange func(mapping []SlotMapping)

	// Logger receives topology events. Nil discards.
	Logger *slog.Logger
}

// DefaultClusterConfig returns the cluster client defaults.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		Node:                 DefaultNodeConfig(),
		AutoRefreshInterval:  DefaultAutoRefreshInterval,
		MinRefreshInterval:   DefaultMinRefreshInterval,
		NodesToQuery:         DefaultNodesToQuery,
		NodeClientCloseDelay: DefaultNodeClientCloseDelay,
		MovedRetries:         DefaultMovedRetries,
	}
}

func (c ClusterConfig) withDefaults() ClusterConfig {
	if c.NodeFor == nil {
		node := c.Node
		c.NodeFor = func(NodeAddress) NodeConfig { return node }
	}
	if c.MonitorConnFor == nil {
		mc := c.MonitorConn
		c.MonitorConnFor = func(NodeAddress) ConnectionConfig { return mc }
	}
	if c.AutoRefreshInterval == 0 {
		c.AutoRefreshInterval = DefaultAutoRefreshInterval
	}
	if c.MinRefreshInterval == 0 {
		c.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if c.NodesToQuery <= 0 {
		c.NodesToQuery = DefaultNodesToQuery
	}
	if c.NodeClientCloseDelay == 0 {
		c.NodeClientCloseDelay = DefaultNodeClientCloseDelay
	}
	if c.MovedRetries <= 0 {
		c.MovedRetries = DefaultMovedRetries
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
	return c
}

var discardLogger = slog.New(slog.DiscardHandler)
