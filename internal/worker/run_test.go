package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"storybook/internal/pkg/logger"
	"storybook/internal/workflow"
	"storybook/internal/worker/queue"
)

// Requires TEST_REDIS_ADDR.
func TestRunDrainsQueue(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, ContextTimeoutEnabled: true})
	t.Cleanup(func() { _ = rdb.Close() })

	name := "storybook-test:queue:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), name) })
	q := queue.NewRedisQueue(rdb, name)

	var tasks []workflow.Task
	for i := 0; i < 5; i++ {
		tasks = append(tasks, workflow.Task{JobID: "j1", PageKey: fmt.Sprintf("pg%d", i), Run: int64(i + 1)})
	}
	if err := q.Push(context.Background(), tasks...); err != nil {
		t.Fatal(err)
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx, Deps{
			Queue:       q,
			Concurrency: 2,
			PopTimeout:  200 * time.Millisecond,
			Log:         logger.Discard(),
			Handle: func(_ context.Context, tk workflow.Task) error {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, tk.PageKey)
				if len(seen) == len(tasks) {
					cancel()
				}
				return nil
			},
		})
	}()

	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue")
	}

	if len(seen) != 5 {
		t.Errorf("expected 5 tasks, got %v", seen)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("queue not drained: %d left", n)
	}
}

// stalledRedis speaks just enough RESP for a client handshake and never
// answers BRPOP, like a server behind a stuck network path.
func stalledRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveStalled(conn)
		}
	}()
	return ln.Addr().String()
}

func serveStalled(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		switch strings.ToUpper(args[0]) {
		case "BRPOP":
			// Hold the connection open without replying.
			_, _ = io.Copy(io.Discard, r)
			return
		case "HELLO":
			_, _ = conn.Write([]byte("-ERR unknown command 'HELLO'\r\n"))
		default:
			_, _ = conn.Write([]byte("+OK\r\n"))
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "*")))
	if err != nil || n < 1 {
		return nil, fmt.Errorf("bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if _, err := r.ReadString('\n'); err != nil {
			return nil, err
		}
		arg, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		args = append(args, strings.TrimSpace(arg))
	}
	return args, nil
}

func TestRunStopsWhileServerStalls(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  stalledRedis(t),
		ContextTimeoutEnabled: true,
		MaxRetries:            -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx, Deps{
			Queue:       queue.NewRedisQueue(rdb, "storybook-test:queue"),
			Concurrency: 1,
			PopTimeout:  200 * time.Millisecond,
			Log:         logger.Discard(),
			Handle: func(context.Context, workflow.Task) error {
				t.Error("no task can arrive from a stalled server")
				return nil
			},
		})
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker kept blocking after cancellation")
	}
}
