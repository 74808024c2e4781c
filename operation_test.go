package redio

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func readyConnectionClient(t *testing.T, addr string) *ConnectionClient {
	t.Helper()
	client := NewConnectionClient(addr, testConnConfig())
	t.Cleanup(func() { client.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitReady(ctx))
	return client
}

func TestTransactionCommits(t *testing.T) {
	srv := startServer(t)
	srv.SetValue("balance", []byte("100"))
	client := readyConnectionClient(t, srv.Addr())

	op := Transaction([]string{"balance"}, func(values [][]byte) (*Batch, error) {
		n, err := strconv.Atoi(string(values[0]))
		if err != nil {
			return nil, err
		}
		return Set("balance", []byte(strconv.Itoa(n+50)), 0), nil
	})
	_, err := client.ExecuteOp(context.Background(), op)
	require.NoError(t, err)

	v, ok := srv.Value("balance")
	require.True(t, ok)
	require.Equal(t, "150", string(v))

	// The reservation is gone; plain traffic flows again.
	_, err = client.ExecuteBatch(context.Background(), Ping())
	require.NoError(t, err)
}

func TestTransactionAborts(t *testing.T) {
	srv := startServer(t)
	srv.SetValue("k", []byte("orig"))
	client := readyConnectionClient(t, srv.Addr())

	op := Transaction([]string{"k"}, func(values [][]byte) (*Batch, error) {
		require.Equal(t, "orig", string(values[0]))
		// Another writer sneaks in between WATCH and EXEC.
		srv.Touch("k")
		return Set("k", []byte("mine"), 0), nil
	})
	_, err := client.ExecuteOp(context.Background(), op)
	require.ErrorIs(t, err, ErrTxAborted)

	v, ok := srv.Value("k")
	require.True(t, ok)
	require.Equal(t, "orig", string(v), "an aborted transaction must not write")
}

func TestTransactionBodyCallsOff(t *testing.T) {
	srv := startServer(t)
	srv.SetValue("k", []byte("orig"))
	client := readyConnectionClient(t, srv.Addr())

	result, err := client.ExecuteOp(context.Background(), Transaction([]string{"k"}, func([][]byte) (*Batch, error) {
		return nil, nil
	}))
	require.NoError(t, err)
	require.Nil(t, result)

	// Calling the transaction off clears the watch.
	transcript := srv.Transcripts()[0]
	require.Equal(t, "UNWATCH", transcript[len(transcript)-1])
}

func TestTransactionEmptyWatchList(t *testing.T) {
	srv := startServer(t)
	client := readyConnectionClient(t, srv.Addr())

	op := Transaction(nil, func(values [][]byte) (*Batch, error) {
		require.Nil(t, values)
		return Set("k", []byte("v"), 0), nil
	})
	_, err := client.ExecuteOp(context.Background(), op)
	require.NoError(t, err)

	v, ok := srv.Value("k")
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}

func TestOperationChainsResults(t *testing.T) {
	srv := startServer(t)
	client := readyConnectionClient(t, srv.Addr())

	op := NewOp(Incr("n")).
		FlatMap(func(r any) (*Op, error) {
			return NewOp(IncrBy("n", r.(int64))), nil
		}).
		FlatMap(func(r any) (*Op, error) {
			// Finish with the previous step's result.
			return nil, nil
		})
	got, err := client.ExecuteOp(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, int64(2), got)
}

func TestOperationContinuationError(t *testing.T) {
	srv := startServer(t)
	client := readyConnectionClient(t, srv.Addr())

	op := NewOp(Ping()).FlatMap(func(any) (*Op, error) {
		return nil, errors.New("boom")
	})
	_, err := client.ExecuteOp(context.Background(), op)
	require.ErrorContains(t, err, "operation step 1")
	require.ErrorContains(t, err, "boom")

	// The connection survived and was released.
	_, err = client.ExecuteBatch(context.Background(), Ping())
	require.NoError(t, err)
}

func TestOperationContinuationPanic(t *testing.T) {
	srv := startServer(t)
	client := readyConnectionClient(t, srv.Addr())

	op := NewOp(Watch("k")).FlatMap(func(any) (*Op, error) {
		panic("kaboom")
	})
	_, err := client.ExecuteOp(context.Background(), op)
	require.ErrorContains(t, err, "continuation panic")
	require.ErrorContains(t, err, "kaboom")

	// The abandoned watch was cleared before the release.
	transcript := srv.Transcripts()[0]
	require.Equal(t, []string{"WATCH k", "UNWATCH"}, transcript)

	_, err = client.ExecuteBatch(context.Background(), Ping())
	require.NoError(t, err)
}

func TestOperationAbortsWhenConnectionDies(t *testing.T) {
	srv := startServer(t)
	client := readyConnectionClient(t, srv.Addr())

	srv.CloseAfter(2) // the second step's command dies unanswered
	op := NewOp(Ping()).FlatMap(func(any) (*Op, error) {
		return NewOp(Echo("never answered")), nil
	})
	_, err := client.ExecuteOp(context.Background(), op)
	require.ErrorIs(t, err, ErrOperationAborted)

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
}

func TestOperationFirstBatchError(t *testing.T) {
	srv := startServer(t)
	client := readyConnectionClient(t, srv.Addr())

	called := false
	op := NewOp(NewBatch(NewCommand("NOSUCH")).WithDecode(decodeOK)).
		FlatMap(func(any) (*Op, error) {
			called = true
			return nil, nil
		})
	_, err := client.ExecuteOp(context.Background(), op)
	require.Error(t, err)
	require.False(t, called, "continuation must not run after a failed first step")

	_, err = client.ExecuteBatch(context.Background(), Ping())
	require.NoError(t, err)
}
