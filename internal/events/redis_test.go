package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"baseline/api/internal/store"
)

func TestRedisPublisherForwardsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	pubsub := client.Subscribe(ctx, "baseline:events")
	t.Cleanup(func() { _ = pubsub.Close() })
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus := NewBus(nil, nil)
	NewRedisPublisher(client, "baseline:events").Attach(bus)
	bus.Publish(NewEvent(RequestCreated, RequestCreatedEvent{Request: store.ChangeRequest{ID: "req_1", Field: "projectManager"}}))

	select {
	case msg := <-pubsub.Channel():
		var decoded struct {
			Type string `json:"type"`
			Data struct {
				Request struct {
					ID string `json:"id"`
				} `json:"request"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if decoded.Type != string(RequestCreated) || decoded.Data.Request.ID != "req_1" {
			t.Fatalf("payload = %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redis message")
	}
}

func TestRedisPublisherCloseDrainsQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	pubsub := client.Subscribe(ctx, "baseline:events")
	t.Cleanup(func() { _ = pubsub.Close() })
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publisher := NewRedisPublisher(client, "baseline:events")
	for i := 0; i < 5; i++ {
		if err := publisher.Deliver(NewEvent(FieldApplied, nil)); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}
	publisher.Close()
	publisher.Close()
	if err := publisher.Deliver(NewEvent(FieldApplied, nil)); err != nil {
		t.Fatalf("Deliver after Close = %v, want nil", err)
	}

	for i := 0; i < 5; i++ {
		select {
		case <-pubsub.Channel():
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 5 messages", i)
		}
	}
}

// hangingServer accepts connections and never answers.
func hangingServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return ln.Addr().String()
}

func TestRedisPublisherDoesNotBlockPublish(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         hangingServer(t),
		MaxRetries:   -1,
		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })

	publisher := NewRedisPublisher(client, "baseline:events",
		WithRedisQueueSize(1),
		WithRedisPublishTimeout(100*time.Millisecond),
	)
	bus := NewBus(nil, nil)
	publisher.Attach(bus)

	start := time.Now()
	var full int
	for i := 0; i < 10; i++ {
		bus.Publish(NewEvent(FieldApplied, nil))
		if err := publisher.Deliver(NewEvent(FieldApplied, nil)); errors.Is(err, ErrPublishQueueFull) {
			full++
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("publishing took %s with a hung redis", elapsed)
	}
	if full == 0 {
		t.Fatal("expected a full queue while redis hangs")
	}
	bus.Stop()
}

func TestRedisPublisherLogsClosedServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	publisher := NewRedisPublisher(client, "baseline:events", WithRedisLogger(logger))
	if err := publisher.Deliver(NewEvent(FieldApplied, nil)); err != nil {
		t.Fatalf("Deliver = %v, want nil while queueing", err)
	}
	publisher.Close()
	if !strings.Contains(logs.String(), "redis event publish failed") {
		t.Fatalf("logs = %q", logs.String())
	}
}
