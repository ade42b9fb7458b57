package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subscriberQueueSize = 64

type EventType string

type SubscriberID int

type HandlerFunc func(Event)

type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func NewEvent(eventType EventType, data any) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}

// Subscriber delivers events to an in-memory channel or a remote sink.
// Close must be idempotent.
type Subscriber interface {
	Deliver(Event) error
	Close()
}

type busMetrics struct {
	eventsTotal    *prometheus.CounterVec
	subscribers    *prometheus.GaugeVec
	deliveryErrors *prometheus.CounterVec
}

// Bus fans domain events out to subscribers. Publish is synchronous: it
// returns after every subscriber accepted the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType]map[SubscriberID]Subscriber
	lastID      SubscriberID
	metrics     *busMetrics
	logger      *slog.Logger
}

func NewBus(registry prometheus.Registerer, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subscribers: make(map[EventType]map[SubscriberID]Subscriber),
		logger:      logger,
	}
	if registry != nil {
		factory := promauto.With(registry)
		b.metrics = &busMetrics{
			eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "baseline_events_published_total",
				Help: "domain events published by type",
			}, []string{"type"}),
			subscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "baseline_events_subscribers",
				Help: "current event subscribers by type and kind",
			}, []string{"type", "kind"}),
			deliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "baseline_events_delivery_errors_total",
				Help: "failed event deliveries by type and kind",
			}, []string{"type", "kind"}),
		}
	}
	return b
}

type channelSubscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func newChannelSubscriber(buffer int) *channelSubscriber {
	return &channelSubscriber{ch: make(chan Event, buffer)}
}

func (c *channelSubscriber) Deliver(evt Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	c.ch <- evt
	return nil
}

func (c *channelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

func subscriberKind(sub Subscriber) string {
	if _, ok := sub.(*channelSubscriber); ok {
		return "in-memory"
	}
	return "remote"
}

func (b *Bus) Subscribe(eventType EventType) (SubscriberID, <-chan Event) {
	sub := newChannelSubscriber(subscriberQueueSize)
	id := b.RegisterSubscriber(eventType, sub)
	return id, sub.ch
}

// SubscribeFunc runs handler on its own goroutine for every event of
// eventType until the subscription is removed or the bus is stopped.
func (b *Bus) SubscribeFunc(eventType EventType, handler HandlerFunc) SubscriberID {
	id, ch := b.Subscribe(eventType)
	go func() {
		for evt := range ch {
			handler(evt)
		}
	}()
	return id
}

func (b *Bus) RegisterSubscriber(eventType EventType, sub Subscriber) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	id := b.lastID
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[SubscriberID]Subscriber)
	}
	b.subscribers[eventType][id] = sub
	if b.metrics != nil {
		b.metrics.subscribers.WithLabelValues(string(eventType), subscriberKind(sub)).Inc()
	}
	return id
}

func (b *Bus) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	var toClose Subscriber
	if subs, ok := b.subscribers[eventType]; ok {
		if sub, ok := subs[id]; ok {
			toClose = sub
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, eventType)
			}
			if b.metrics != nil {
				b.metrics.subscribers.WithLabelValues(string(eventType), subscriberKind(sub)).Dec()
			}
		}
	}
	b.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := b.subscribers[evt.Type]
	type item struct {
		id  SubscriberID
		sub Subscriber
	}
	items := make([]item, 0, len(subs))
	for id, sub := range subs {
		items = append(items, item{id: id, sub: sub})
	}
	b.mu.RUnlock()

	for _, it := range items {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("subscriber deliver panic: %v", r)
				}
			}()
			err = it.sub.Deliver(evt)
		}()
		if err == nil {
			continue
		}
		if b.metrics != nil {
			b.metrics.deliveryErrors.WithLabelValues(string(evt.Type), subscriberKind(it.sub)).Inc()
		}
		b.logger.Warn("event delivery error", "type", evt.Type, "subscriber", it.id, "err", err)
		// Remote sinks stay registered; a failed channel delivery means the
		// consumer is gone.
		if _, ok := it.sub.(*channelSubscriber); ok {
			b.Unsubscribe(evt.Type, it.id)
		}
	}
	if b.metrics != nil {
		b.metrics.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	}
}

// Stop closes every subscriber so SubscribeFunc goroutines exit. The bus
// remains usable afterwards.
func (b *Bus) Stop() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[EventType]map[SubscriberID]Subscriber)
	b.mu.Unlock()

	for _, byID := range subs {
		for _, sub := range byID {
			sub.Close()
		}
	}
	if b.metrics != nil {
		b.metrics.subscribers.Reset()
	}
}
