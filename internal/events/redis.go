package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPublishTimeout = 2 * time.Second
	redisQueueSize      = 256
)

// ErrPublishQueueFull is returned by Deliver when the forwarding queue has no
// room. The event is dropped.
var ErrPublishQueueFull = errors.New("redis publish queue full")

// RedisPublisher forwards events to a Redis pub/sub channel so other
// processes (dashboards, notifiers) can follow the workflow. Deliver only
// enqueues; a single goroutine publishes, so a slow or unreachable Redis
// never stalls Bus.Publish.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

type RedisOption func(*RedisPublisher)

func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(p *RedisPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRedisQueueSize bounds the number of events waiting to be published.
func WithRedisQueueSize(size int) RedisOption {
	return func(p *RedisPublisher) {
		if size > 0 {
			p.queue = make(chan Event, size)
		}
	}
}

// WithRedisPublishTimeout bounds each PUBLISH round trip.
func WithRedisPublishTimeout(timeout time.Duration) RedisOption {
	return func(p *RedisPublisher) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// NewRedisPublisher starts the forwarding goroutine. Close stops it.
func NewRedisPublisher(client redis.UniversalClient, channel string, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		timeout: redisPublishTimeout,
		logger:  slog.Default(),
		queue:   make(chan Event, redisQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Deliver queues evt without blocking.
func (p *RedisPublisher) Deliver(evt Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	select {
	case p.queue <- evt:
		return nil
	default:
		return fmt.Errorf("event %s: %w", evt.Type, ErrPublishQueueFull)
	}
}

// Close stops accepting events and waits for the queued ones to be
// published. It is safe to call more than once.
func (p *RedisPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for evt := range p.queue {
		if err := p.publish(evt); err != nil {
			p.logger.Warn("redis event publish failed", "type", evt.Type, "channel", p.channel, "err", err)
		}
	}
}

func (p *RedisPublisher) publish(evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", evt.Type, err)
	}
	return nil
}

// Attach registers p for every domain event type.
func (p *RedisPublisher) Attach(bus *Bus) {
	for _, eventType := range All {
		bus.RegisterSubscriber(eventType, p)
	}
}
