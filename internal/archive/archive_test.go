package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"baseline/api/internal/events"
	"baseline/api/internal/store"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memoryObjects) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memoryObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *memoryObjects) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func decided(id string) store.ChangeRequest {
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	version := 2
	return store.ChangeRequest{
		ID:               id,
		ProjectID:        "p1",
		Field:            "projectManager",
		OldValue:         "Ahmed",
		NewValue:         "Bilal",
		Status:           store.RequestApproved,
		ApprovedBy:       "pmo",
		DecisionAt:       &at,
		BaselineVersion:  1,
		ResultingVersion: &version,
	}
}

func TestArchiveWritesAndFetchesRecord(t *testing.T) {
	objects := newMemoryObjects()
	a := New(objects, WithPrefix("prod/"))

	if err := a.Archive(context.Background(), decided("cr_1")); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	key := "prod/projects/p1/requests/cr_1.json"
	if objects.types[key] != "application/json" {
		t.Fatalf("content type for %s = %q", key, objects.types[key])
	}

	record, err := a.Fetch(context.Background(), "p1", "cr_1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if record.Request.NewValue != "Bilal" || *record.Request.ResultingVersion != 2 {
		t.Fatalf("record = %+v", record.Request)
	}
	if record.ArchivedAt.IsZero() {
		t.Fatal("ArchivedAt is zero")
	}
}

func TestArchiveRefusesPendingRequests(t *testing.T) {
	objects := newMemoryObjects()
	a := New(objects)
	request := decided("cr_1")
	request.Status = store.RequestPending

	if err := a.Archive(context.Background(), request); err == nil {
		t.Fatal("Archive(pending) succeeded, want error")
	}
	if objects.count() != 0 {
		t.Fatalf("objects = %d, want 0", objects.count())
	}
}

func TestArchiveCountsFailures(t *testing.T) {
	registry := prometheus.NewRegistry()
	objects := newMemoryObjects()
	objects.err = errors.New("bucket gone")
	a := New(objects, WithPromRegistry(registry))

	if err := a.Archive(context.Background(), decided("cr_1")); err == nil {
		t.Fatal("Archive() succeeded, want error")
	}
	if got := testutil.ToFloat64(a.failures); got != 1 {
		t.Fatalf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.archived); got != 0 {
		t.Fatalf("archived = %v, want 0", got)
	}
}

func TestFetchMissingObject(t *testing.T) {
	a := New(newMemoryObjects())
	if _, err := a.Fetch(context.Background(), "p1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestAttachArchivesDecisions(t *testing.T) {
	objects := newMemoryObjects()
	a := New(objects)
	bus := events.NewBus(nil, nil)
	defer bus.Stop()
	a.Attach(bus)

	bus.Publish(events.NewEvent(events.RequestDecided, events.RequestDecidedEvent{Request: decided("cr_7")}))

	deadline := time.Now().Add(2 * time.Second)
	for objects.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("decision was not archived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := a.Fetch(context.Background(), "p1", "cr_7"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
}
