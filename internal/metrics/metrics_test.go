package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"baseline/api/internal/baseline"
	"baseline/api/internal/events"
	"baseline/api/internal/store"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAttachCountsTransitions(t *testing.T) {
	m := New(nil)
	bus := events.NewBus(nil, nil)
	defer bus.Stop()
	m.Attach(bus)

	request := store.ChangeRequest{ID: "cr_1", Status: store.RequestPending}
	bus.Publish(events.NewEvent(events.RequestCreated, events.RequestCreatedEvent{Request: request}))
	bus.Publish(events.NewEvent(events.FieldApplied, events.FieldAppliedEvent{}))
	waitFor(t, "pending gauge", func() bool { return testutil.ToFloat64(m.pendingRequests) == 1 })

	request.Status = store.RequestRejected
	request.ApprovedBy = baseline.SystemActor.Name
	bus.Publish(events.NewEvent(events.RequestDecided, events.RequestDecidedEvent{Request: request}))

	waitFor(t, "rejection", func() bool {
		return testutil.ToFloat64(m.transitions.WithLabelValues("rejected")) == 1
	})
	if got := testutil.ToFloat64(m.pendingRequests); got != 0 {
		t.Fatalf("pending = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.expired); got != 0 {
		t.Fatalf("expired = %v, want 0; decisions alone never count as expiries", got)
	}
	waitFor(t, "applied", func() bool {
		return testutil.ToFloat64(m.transitions.WithLabelValues("applied")) == 1
	})
}

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveHTTP(http.MethodPost, "/v1/projects/{id}/fields/{field}", http.StatusAccepted, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	want := `baseline_http_requests_total{method="POST",route="/v1/projects/{id}/fields/{field}",status="202"} 1`
	if !strings.Contains(body, want) {
		t.Fatalf("metrics output missing %q:\n%s", want, body)
	}
}

func TestRequestsExpiredCountsExpirerSweeps(t *testing.T) {
	m := New(nil)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	workflow := baseline.NewWorkflow(store.NewMemoryStore(), baseline.Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	member := baseline.Actor{Name: "Avery", Role: "member"}
	// A pmo account that happens to be called "system" is not the expirer.
	namedSystem := baseline.Actor{Name: "system", Role: "pmo"}
	edit := func(field, value string) *store.ChangeRequest {
		t.Helper()
		result, err := workflow.Edit(ctx, member, baseline.EditInput{ProjectID: "prj", Field: field, NewValue: value})
		if err != nil {
			t.Fatalf("Edit(%s=%s): %v", field, value, err)
		}
		return result.Request
	}

	edit("projectManager", "Ahmed")
	if _, err := workflow.EstablishBaseline(ctx, namedSystem, "prj"); err != nil {
		t.Fatalf("EstablishBaseline: %v", err)
	}
	approved := edit("projectManager", "Karim")
	if _, err := workflow.Approve(ctx, namedSystem, approved.ID, "ok"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	edit("sponsor", "CFO")
	now = now.Add(72 * time.Hour)

	expirer := baseline.NewExpirer(workflow, 48*time.Hour, time.Minute, nil)
	expirer.OnExpired(m.RequestsExpired)
	expired, err := expirer.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].Field != "sponsor" {
		t.Fatalf("expired = %+v, want the sponsor request", expired)
	}
	if got := testutil.ToFloat64(m.expired); got != 1 {
		t.Fatalf("expired counter = %v, want 1", got)
	}

	if _, err := expirer.Sweep(ctx); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if got := testutil.ToFloat64(m.expired); got != 1 {
		t.Fatalf("expired counter after empty sweep = %v, want 1", got)
	}
}
