package redio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"github.com/redio/redio/internal/testserver"
	"github.com/redio/redio/resp"
)

func readyNodeClient(t *testing.T, addr string, cfg NodeConfig) *NodeClient {
	t.Helper()
	client, err := NewNodeClient(addr, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitReady(ctx))
	return client
}

func TestConnectionClientLevels(t *testing.T) {
	srv := startServer(t)
	client := readyConnectionClient(t, srv.Addr())
	ctx := context.Background()

	// Connection-level and node-level batches are both in scope.
	_, err := client.ExecuteBatch(ctx, Watch("k"))
	require.NoError(t, err)
	_, err = client.ExecuteBatch(ctx, Unwatch())
	require.NoError(t, err)
	_, err = client.ExecuteBatch(ctx, DBSize())
	require.NoError(t, err)

	require.Equal(t, srv.Addr(), client.Addr())
}

func TestConnectionClientStats(t *testing.T) {
	srv := startServer(t)
	client := readyConnectionClient(t, srv.Addr())
	ctx := context.Background()

	_, err := client.ExecuteBatch(ctx, Ping())
	require.NoError(t, err)
	got, err := client.ExecuteBatch(ctx, Get("missing"))
	require.NoError(t, err)
	require.Nil(t, got.([]byte))
	_, err = client.ExecuteOp(ctx, NewOp(Ping()))
	require.NoError(t, err)
	_, err = client.ExecuteBatch(ctx, NewBatch())
	require.Error(t, err)

	st := client.Stats()
	require.Equal(t, uint64(3), st.Batches)
	require.Equal(t, uint64(1), st.Ops)
	require.Equal(t, uint64(1), st.Errors)
}

func TestConnectionClientClosed(t *testing.T) {
	srv := startServer(t)
	client := readyConnectionClient(t, srv.Addr())
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.ExecuteBatch(context.Background(), Ping())
	require.ErrorIs(t, err, ErrClientClosed)
	_, err = client.ExecuteOp(context.Background(), NewOp(Ping()))
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestNodeClientRejectsConnectionLevel(t *testing.T) {
	srv := startServer(t)
	client := readyNodeClient(t, srv.Addr(), testNodeConfig())
	ctx := context.Background()

	_, err := client.ExecuteBatch(ctx, Watch("k"))
	var le *LevelError
	require.ErrorAs(t, err, &le)
	require.Equal(t, LevelConnection, le.Required)
	require.Equal(t, LevelNode, le.Permitted)

	// Nothing reached the wire for the rejected batch.
	for _, transcript := range srv.Transcripts() {
		for _, line := range transcript {
			require.NotContains(t, line, "WATCH")
		}
	}

	// Node-level work is fine.
	_, err = client.ExecuteBatch(ctx, DBSize())
	require.NoError(t, err)
}

func TestNodeClientPoolConcurrency(t *testing.T) {
	srv := startServer(t)
	client := readyNodeClient(t, srv.Addr(), testNodeConfig())

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := fmt.Sprintf("m%d", i)
			got, err := client.ExecuteBatch(context.Background(), Echo(msg))
			if err != nil {
				t.Errorf("echo %d: %v", i, err)
				return
			}
			if got.(string) != msg {
				t.Errorf("echo %d: got %q, want %q", i, got, msg)
			}
		}()
	}
	wg.Wait()

	ps := client.PoolStats()
	require.LessOrEqual(t, ps.TotalConns, int32(2), "pool must not exceed its size")
	require.LessOrEqual(t, ps.CreatedConns, uint64(2))
	require.GreaterOrEqual(t, ps.AcquireCount, uint64(16))
}

func TestNodeClientDestroysFaultedConns(t *testing.T) {
	srv := startServer(t)
	cfg := testNodeConfig()
	cfg.PoolSize = 1
	client := readyNodeClient(t, srv.Addr(), cfg)
	ctx := context.Background()

	srv.CloseAfter(1)
	_, err := client.ExecuteBatch(ctx, Echo("doomed"))
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)

	// The poisoned connection was destroyed, not returned; the next
	// batch runs on a fresh one.
	got, err := client.ExecuteBatch(ctx, Echo("fresh"))
	require.NoError(t, err)
	require.Equal(t, "fresh", got)
	require.GreaterOrEqual(t, client.PoolStats().DestroyedConns, uint64(1))
}

func TestNodeClientServerErrorKeepsConn(t *testing.T) {
	srv := startServer(t)
	cfg := testNodeConfig()
	cfg.PoolSize = 1
	client := readyNodeClient(t, srv.Addr(), cfg)

	// An error reply is a healthy round trip; the connection stays.
	_, err := client.ExecuteBatch(context.Background(), NewBatch(NewCommand("NOSUCH")).WithDecode(decodeOK))
	var re *resp.ReplyError
	require.ErrorAs(t, err, &re)
	require.Equal(t, uint64(0), client.PoolStats().DestroyedConns)

	got, err := client.ExecuteBatch(context.Background(), Echo("still here"))
	require.NoError(t, err)
	require.Equal(t, "still here", got)
	require.Equal(t, uint64(1), client.PoolStats().CreatedConns)
}

func TestNodeClientExecuteOp(t *testing.T) {
	srv := startServer(t)
	client := readyNodeClient(t, srv.Addr(), testNodeConfig())

	op := Transaction([]string{"cnt"}, func(values [][]byte) (*Batch, error) {
		require.Nil(t, values[0])
		return IncrBy("cnt", 5), nil
	})
	got, err := client.ExecuteOp(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, int64(5), got)

	v, ok := srv.Value("cnt")
	require.True(t, ok)
	require.Equal(t, "5", string(v))
}

func TestNodeClientBreakerTrips(t *testing.T) {
	srv := startServer(t)
	cfg := testNodeConfig()
	cfg.NewBreaker = NewBreakerConfig(1, 0, time.Minute)
	client := readyNodeClient(t, srv.Addr(), cfg)
	ctx := context.Background()

	require.Equal(t, gobreaker.StateClosed, client.BreakerState())

	srv.SetIntercept(func(_ testserver.ConnState, args [][]byte) ([]byte, bool) {
		if strings.EqualFold(string(args[0]), "GET") {
			return resp.AppendError(nil, "ERR storage on fire"), true
		}
		return nil, false
	})

	for range 3 {
		_, err := client.ExecuteBatch(ctx, Get("k"))
		require.Error(t, err)
	}

	_, err := client.ExecuteBatch(ctx, Get("k"))
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, gobreaker.StateOpen, client.BreakerState())
}

func TestNodeClientClosed(t *testing.T) {
	srv := startServer(t)
	client := readyNodeClient(t, srv.Addr(), testNodeConfig())
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.ExecuteBatch(context.Background(), Ping())
	require.ErrorIs(t, err, ErrClientClosed)
	_, err = client.ExecuteOp(context.Background(), NewOp(Ping()))
	require.ErrorIs(t, err, ErrClientClosed)
	require.ErrorIs(t, client.WaitReady(context.Background()), ErrClientClosed)
}

func TestNodeClientHealthCheck(t *testing.T) {
	srv := startServer(t)
	cfg := testNodeConfig()
	cfg.PoolSize = 1
	cfg.HealthCheckInterval = 25 * time.Millisecond
	client := readyNodeClient(t, srv.Addr(), cfg)

	// The next health ping's connection dies; the checker must destroy
	// it instead of handing it to a caller.
	srv.CloseAfter(1)
	deadline := time.Now().Add(3 * time.Second)
	for client.PoolStats().DestroyedConns == 0 {
		if time.Now().After(deadline) {
			t.Fatal("health check never destroyed the dead connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, err := client.ExecuteBatch(context.Background(), Echo("recovered"))
	require.NoError(t, err)
	require.Equal(t, "recovered", got)
}
