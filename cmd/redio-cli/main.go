package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redio/redio"
)

func main() {
	var (
		addr    = flag.String("addr", "localhost:6379", "Address of a single Redis node")
		cluster = flag.String("cluster", "", "Comma-separated cluster seed addresses (overrides -addr)")
		timeout = flag.Duration("timeout", 5*time.Second, "Per-command timeout")
	)
	flag.Parse()

	fmt.Println("Redio CLI Tool")
	fmt.Println("==============")
	fmt.Println("Commands: get <key>, set <key> <value> [ttl], del <key>..., incr <key>, mget <key1> <key2> ..., ttl <key>, watch-set <key> <value>, ping, slots, stats, quit")
	fmt.Println()

	client, err := newClient(*cluster, *addr)
	if err != nil {
		fmt.Printf("Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	readyCtx, cancel := context.WithTimeout(context.Background(), *timeout)
	err = client.WaitReady(readyCtx)
	cancel()
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		command := strings.ToLower(parts[0])
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)

		switch command {
		case "get":
			if len(parts) != 2 {
				fmt.Println("Usage: get <key>")
				break
			}
			handleGet(ctx, client, parts[1])

		case "set":
			if len(parts) < 3 || len(parts) > 4 {
				fmt.Println("Usage: set <key> <value> [ttl_seconds]")
				break
			}
			ttl := time.Duration(0)
			if len(parts) == 4 {
				ttlSecs, err := strconv.Atoi(parts[3])
				if err != nil {
					fmt.Printf("Invalid TTL: %v\n", err)
					break
				}
				ttl = time.Duration(ttlSecs) * time.Second
			}
			handleSet(ctx, client, parts[1], parts[2], ttl)

		case "del", "delete":
			if len(parts) < 2 {
				fmt.Println("Usage: del <key> [key ...]")
				break
			}
			handleDel(ctx, client, parts[1:])

		case "incr":
			if len(parts) != 2 {
				fmt.Println("Usage: incr <key>")
				break
			}
			handleIncr(ctx, client, parts[1])

		case "mget", "multi-get":
			if len(parts) < 2 {
				fmt.Println("Usage: mget <key1> <key2> ...")
				break
			}
			handleMGet(ctx, client, parts[1:])

		case "ttl":
			if len(parts) != 2 {
				fmt.Println("Usage: ttl <key>")
				break
			}
			handleTTL(ctx, client, parts[1])

		case "watch-set":
			if len(parts) != 3 {
				fmt.Println("Usage: watch-set <key> <value>")
				break
			}
			handleWatchSet(ctx, client, parts[1], parts[2])

		case "ping":
			handlePing(ctx, client)

		case "slots":
			handleSlots(client)

		case "stats":
			handleStats(client)

		case "help":
			fmt.Println("Commands:")
			fmt.Println("  get <key>                 - Get a value by key")
			fmt.Println("  set <key> <value> [ttl]   - Set a key-value pair with optional TTL")
			fmt.Println("  del <key> [key ...]       - Delete keys")
			fmt.Println("  incr <key>                - Increment a counter")
			fmt.Println("  mget <key1> <key2> ...    - Get multiple keys at once")
			fmt.Println("  ttl <key>                 - Remaining TTL in seconds")
			fmt.Println("  watch-set <key> <value>   - Set under WATCH/MULTI/EXEC")
			fmt.Println("  ping                      - Ping the server")
			fmt.Println("  slots                     - Show the cluster routing table")
			fmt.Println("  stats                     - Show client statistics")
			fmt.Println("  quit                      - Exit the CLI")

		case "quit", "exit":
			cancel()
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s. Type 'help' for available commands.\n", command)
		}
		cancel()
	}

	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading input: %v\n", err)
	}
}

// client is an Executor that also reports statistics. Both node and
// cluster clients satisfy it.
type client interface {
	redio.Executor
	Stats() redio.ClientStats
}

func newClient(cluster, addr string) (client, error) {
	if cluster != "" {
		seeds := strings.Split(cluster, ",")
		for i := range seeds {
			seeds[i] = strings.TrimSpace(seeds[i])
		}
		return redio.NewClusterClient(seeds, redio.DefaultClusterConfig())
	}
	return redio.NewNodeClient(addr, redio.DefaultNodeConfig())
}

func handleGet(ctx context.Context, c client, key string) {
	start := time.Now()
	result, err := c.ExecuteBatch(ctx, redio.Get(key))
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}

	value := result.([]byte)
	if value == nil {
		fmt.Printf("Key not found (took %v)\n", duration)
		return
	}
	fmt.Printf("Value: %s (took %v)\n", value, duration)
}

func handleSet(ctx context.Context, c client, key, value string, ttl time.Duration) {
	start := time.Now()
	_, err := c.ExecuteBatch(ctx, redio.Set(key, []byte(value), ttl))
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Stored successfully (took %v)\n", duration)
}

func handleDel(ctx context.Context, c client, keys []string) {
	start := time.Now()
	result, err := c.ExecuteBatch(ctx, redio.Del(keys...))
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Deleted %d out of %d keys (took %v)\n", result.(int64), len(keys), duration)
}

func handleIncr(ctx context.Context, c client, key string) {
	start := time.Now()
	result, err := c.ExecuteBatch(ctx, redio.Incr(key))
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Value: %d (took %v)\n", result.(int64), duration)
}

func handleMGet(ctx context.Context, c client, keys []string) {
	start := time.Now()
	result, err := c.ExecuteBatch(ctx, redio.MGet(keys...))
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}

	values := result.([][]byte)
	found := 0
	for i, value := range values {
		if value == nil {
			fmt.Printf("  %s: <not found>\n", keys[i])
			continue
		}
		found++
		fmt.Printf("  %s: %s\n", keys[i], value)
	}
	fmt.Printf("Retrieved %d out of %d keys (took %v)\n", found, len(keys), duration)
}

func handleTTL(ctx context.Context, c client, key string) {
	start := time.Now()
	result, err := c.ExecuteBatch(ctx, redio.TTL(key))
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}

	switch ttl := result.(int64); ttl {
	case -2:
		fmt.Printf("Key not found (took %v)\n", duration)
	case -1:
		fmt.Printf("No expiry (took %v)\n", duration)
	default:
		fmt.Printf("TTL: %ds (took %v)\n", ttl, duration)
	}
}

// handleWatchSet stores value only if key is unchanged between the read
// and the write, by running WATCH/MULTI/EXEC as one operation.
func handleWatchSet(ctx context.Context, c client, key, value string) {
	start := time.Now()
	var previous []byte
	op := redio.Transaction([]string{key}, func(values [][]byte) (*redio.Batch, error) {
		previous = values[0]
		return redio.Set(key, []byte(value), 0), nil
	})
	_, err := c.ExecuteOp(ctx, op)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, redio.ErrTxAborted) {
			fmt.Printf("Aborted: key changed concurrently (took %v)\n", duration)
			return
		}
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}

	if previous == nil {
		fmt.Printf("Stored successfully, no previous value (took %v)\n", duration)
		return
	}
	fmt.Printf("Stored successfully, previous value: %s (took %v)\n", previous, duration)
}

func handlePing(ctx context.Context, c client) {
	start := time.Now()
	_, err := c.ExecuteBatch(ctx, redio.Ping())
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Ping failed: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Ping successful (took %v)\n", duration)
}

func handleSlots(c client) {
	cc, ok := c.(*redio.ClusterClient)
	if !ok {
		fmt.Println("Not a cluster client")
		return
	}

	mapping := cc.Mapping()
	if len(mapping) == 0 {
		fmt.Println("No routing table yet")
		return
	}
	fmt.Println("Slot ranges:")
	for _, m := range mapping {
		fmt.Printf("  %v -> %s\n", m.Range, m.Client.Addr())
	}
}

func handleStats(c client) {
	stats := c.Stats()
	fmt.Println("Client statistics:")
	fmt.Printf("  Batches:   %d\n", stats.Batches)
	fmt.Printf("  Ops:       %d\n", stats.Ops)
	fmt.Printf("  Redirects: %d\n", stats.Redirects)
	fmt.Printf("  Errors:    %d\n", stats.Errors)

	if nc, ok := c.(*redio.NodeClient); ok {
		pool := nc.PoolStats()
		fmt.Println("Pool:")
		fmt.Printf("  Total Connections:  %d\n", pool.TotalConns)
		fmt.Printf("  Idle Connections:   %d\n", pool.IdleConns)
		fmt.Printf("  Active Connections: %d\n", pool.ActiveConns)
		fmt.Printf("  Created:            %d\n", pool.CreatedConns)
		fmt.Printf("  Destroyed:          %d\n", pool.DestroyedConns)
		fmt.Printf("  Breaker:            %v\n", nc.BreakerState())
	}
}
