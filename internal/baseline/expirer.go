package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"baseline/api/internal/rbac"
	"baseline/api/internal/store"
)

// SystemActor decides requests on behalf of the service itself.
var SystemActor = Actor{Name: "system", Role: string(rbac.RolePMO)}

// Expirer rejects PENDING change requests older than a TTL.
type Expirer struct {
	workflow *Workflow
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	onExpired func(n int)
}

func NewExpirer(workflow *Workflow, ttl, interval time.Duration, logger *slog.Logger) *Expirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expirer{workflow: workflow, ttl: ttl, interval: interval, logger: logger}
}

// OnExpired registers fn to be called after each sweep that rejected at
// least one request, with the number rejected. Call before Run.
func (e *Expirer) OnExpired(fn func(n int)) {
	e.onExpired = fn
}

// Run sweeps every interval until ctx is done. It returns immediately when
// the TTL is zero.
func (e *Expirer) Run(ctx context.Context) {
	if e.ttl <= 0 || e.interval <= 0 {
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("expire pending requests", "err", err)
			}
		}
	}
}

// Sweep rejects every request pending for longer than the TTL and returns
// the rejected requests. Requests decided concurrently are skipped.
func (e *Expirer) Sweep(ctx context.Context) ([]store.ChangeRequest, error) {
	if e.ttl <= 0 {
		return nil, nil
	}
	cutoff := e.workflow.now().Add(-e.ttl)
	stale, err := e.workflow.store.ListRequests(ctx, store.RequestFilter{
		Status:          store.RequestPending,
		RequestedBefore: &cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("list stale requests: %w", err)
	}

	reason := fmt.Sprintf("expired after %s", e.ttl)
	expired := make([]store.ChangeRequest, 0, len(stale))
	defer func() {
		if len(expired) > 0 && e.onExpired != nil {
			e.onExpired(len(expired))
		}
	}()
	for _, request := range stale {
		decision, err := e.workflow.Reject(ctx, SystemActor, request.ID, reason)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		e.logger.Info("change request expired", "request_id", request.ID, "project_id", request.ProjectID, "field", request.Field)
		expired = append(expired, decision.Request)
	}
	return expired, nil
}
