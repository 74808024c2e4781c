package redio

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/redio/redio/internal/testserver"
)

// startServer runs a scriptable server for the duration of the test.
func startServer(t testing.TB) *testserver.Server {
	t.Helper()
	srv, err := testserver.Start()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

// openConn dials srv and waits for the connection to become ready.
func openConn(t testing.TB, srv *testserver.Server) *Conn {
	t.Helper()
	conn := NewConn(srv.Addr(), testConnConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Open(ctx, true))
	t.Cleanup(func() { conn.Close() })
	return conn
}

// testConnConfig shortens timeouts and the reconnect schedule so
// failure tests finish quickly.
func testConnConfig() ConnectionConfig {
	cfg := DefaultConnectionConfig()
	cfg.DialTimeout = 2 * time.Second
	cfg.Backoff = fastBackoff
	return cfg
}

func fastBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return b
}

// testNodeConfig returns a two-connection pool with health checking
// disabled, the usual fixture for pooled-client tests.
func testNodeConfig() NodeConfig {
	return NodeConfig{
		PoolSize:            2,
		HealthCheckInterval: -1,
		ConnConfig:          func(string) ConnectionConfig { return testConnConfig() },
	}
}

func serverPort(t testing.TB, srv *testserver.Server) int {
	t.Helper()
	addr, err := ParseNodeAddress(srv.Addr())
	require.NoError(t, err)
	return addr.Port
}
