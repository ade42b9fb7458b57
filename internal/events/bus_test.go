package events

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestBusDeliversToEverySubscriber(t *testing.T) {
	bus := NewBus(nil, nil)
	_, first := bus.Subscribe(RequestCreated)
	_, second := bus.Subscribe(RequestCreated)
	_, other := bus.Subscribe(FieldApplied)

	bus.Publish(NewEvent(RequestCreated, "req_1"))

	for i, ch := range []<-chan Event{first, second} {
		select {
		case evt := <-ch:
			if evt.Data != "req_1" {
				t.Fatalf("subscriber %d got %v", i, evt.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
	select {
	case evt := <-other:
		t.Fatalf("unrelated subscriber received %v", evt)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil, nil)
	id, ch := bus.Subscribe(RequestDecided)
	bus.Unsubscribe(RequestDecided, id)

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}
	bus.Publish(NewEvent(RequestDecided, nil))
}

func TestBusStopReleasesSubscribeFuncGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil, nil)
	var calls atomic.Int32
	done := make(chan struct{}, 1)
	bus.SubscribeFunc(BaselineToggled, func(Event) {
		calls.Add(1)
		done <- struct{}{}
	})
	bus.Publish(NewEvent(BaselineToggled, nil))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	bus.Stop()

	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

type failingSubscriber struct {
	closed atomic.Bool
}

func (f *failingSubscriber) Deliver(Event) error { return errors.New("sink down") }
func (f *failingSubscriber) Close()              { f.closed.Store(true) }

type panickingSubscriber struct{}

func (panickingSubscriber) Deliver(Event) error { panic("boom") }
func (panickingSubscriber) Close()              {}

func TestBusCountsDeliveryErrorsAndKeepsRemoteSubscribers(t *testing.T) {
	registry := prometheus.NewRegistry()
	bus := NewBus(registry, nil)
	failing := &failingSubscriber{}
	bus.RegisterSubscriber(RequestCreated, failing)
	bus.RegisterSubscriber(RequestCreated, panickingSubscriber{})

	bus.Publish(NewEvent(RequestCreated, nil))
	bus.Publish(NewEvent(RequestCreated, nil))

	if got := testutil.ToFloat64(bus.metrics.deliveryErrors.WithLabelValues(string(RequestCreated), "remote")); got != 4 {
		t.Fatalf("delivery errors = %v, want 4", got)
	}
	if got := testutil.ToFloat64(bus.metrics.eventsTotal.WithLabelValues(string(RequestCreated))); got != 2 {
		t.Fatalf("events total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(bus.metrics.subscribers.WithLabelValues(string(RequestCreated), "remote")); got != 2 {
		t.Fatalf("remote subscribers = %v, want 2", got)
	}
	if failing.closed.Load() {
		t.Fatal("remote subscriber closed after a failed delivery")
	}
}
