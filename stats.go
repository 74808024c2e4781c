package redio

import "sync/atomic"

// PoolStats is a snapshot of a node client's connection pool. Counters
// are lifetime totals; gauges are the state at snapshot time.
//
// For Prometheus integration expose TotalConns/IdleConns/ActiveConns as
// gauges and the rest as counters.
type PoolStats struct {
	AcquireCount      uint64
	AcquireWaitCount  uint64
	CreatedConns      uint64
	DestroyedConns    uint64
	AcquireErrors     uint64
	AcquireWaitTimeNs uint64

	TotalConns  int32
	IdleConns   int32
	ActiveConns int32
}

// ClientStats counts work submitted to one client surface. All fields
// are safe for concurrent access.
type ClientStats struct {
	Batches   uint64 // batches accepted
	Ops       uint64 // operations accepted
	Redirects uint64 // MOVED/ASK redirections followed (cluster client)
	Errors    uint64 // failed batches and operations
}

// clientStatsCollector updates ClientStats. Clients update their own
// stats; not exported.
type clientStatsCollector struct {
	stats ClientStats
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{}
}

func (c *clientStatsCollector) recordBatch() {
	atomic.AddUint64(&c.stats.Batches, 1)
}

func (c *clientStatsCollector) recordOp() {
	atomic.AddUint64(&c.stats.Ops, 1)
}

func (c *clientStatsCollector) recordRedirect() {
	atomic.AddUint64(&c.stats.Redirects, 1)
}

func (c *clientStatsCollector) recordError() {
	atomic.AddUint64(&c.stats.Errors, 1)
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Batches:   atomic.LoadUint64(&c.stats.Batches),
		Ops:       atomic.LoadUint64(&c.stats.Ops),
		Redirects: atomic.LoadUint64(&c.stats.Redirects),
		Errors:    atomic.LoadUint64(&c.stats.Errors),
	}
}
