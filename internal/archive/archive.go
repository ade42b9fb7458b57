package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"baseline/api/internal/events"
	"baseline/api/internal/store"
)

var ErrNotFound = errors.New("archive object not found")

// ObjectStore is the subset of an S3 bucket the archiver needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Record is the archived form of a decided change request.
type Record struct {
	Request    store.ChangeRequest `json:"request"`
	ArchivedAt time.Time           `json:"archivedAt"`
}

// Archiver copies decided change requests to object storage for compliance
// retention. Archived objects are never rewritten.
type Archiver struct {
	objects      ObjectStore
	promRegistry prometheus.Registerer
	logger       *slog.Logger
	prefix       string
	timeout      time.Duration
	now          func() time.Time

	archived prometheus.Counter
	failures prometheus.Counter
}

func New(objects ObjectStore, opts ...OptionFunc) *Archiver {
	a := &Archiver{objects: objects, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if a.timeout == 0 {
		a.timeout = 30 * time.Second
	}
	a.archived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "baseline_archive_objects_total",
		Help: "Decided change requests written to the archive",
	})
	a.failures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "baseline_archive_failures_total",
		Help: "Archive writes that failed",
	})
	if a.promRegistry != nil {
		a.promRegistry.MustRegister(a.archived, a.failures)
	}
	return a
}

// Key returns the object key for a request.
func (a *Archiver) Key(projectID, requestID string) string {
	return fmt.Sprintf("%sprojects/%s/requests/%s.json", a.prefix, projectID, requestID)
}

func (a *Archiver) Archive(ctx context.Context, request store.ChangeRequest) error {
	if request.Pending() {
		return fmt.Errorf("archive: request %s is still pending", request.ID)
	}
	payload, err := json.Marshal(Record{Request: request, ArchivedAt: a.now()})
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", request.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.objects.Put(ctx, a.Key(request.ProjectID, request.ID), payload, "application/json"); err != nil {
		a.failures.Inc()
		return fmt.Errorf("archive: put %s: %w", request.ID, err)
	}
	a.archived.Inc()
	return nil
}

func (a *Archiver) Fetch(ctx context.Context, projectID, requestID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	data, err := a.objects.Get(ctx, a.Key(projectID, requestID))
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("archive: decode %s: %w", requestID, err)
	}
	return record, nil
}

// Attach archives every decision published on the bus.
func (a *Archiver) Attach(bus *events.Bus) {
	bus.SubscribeFunc(events.RequestDecided, func(evt events.Event) {
		data, ok := evt.Data.(events.RequestDecidedEvent)
		if !ok {
			return
		}
		if err := a.Archive(context.Background(), data.Request); err != nil {
			a.logger.Warn("archive change request", "request_id", data.Request.ID, "err", err)
		}
	})
}
