package baseline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"baseline/api/internal/events"
	"baseline/api/internal/rbac"
	"baseline/api/internal/store"
	"baseline/api/internal/util"
)

// Actor is the caller of a mutating operation.
type Actor struct {
	Name string
	Role string
}

type Authorizer interface {
	Can(role rbac.Role, action rbac.Action) bool
}

type Publisher interface {
	Publish(events.Event)
}

// Store is the persistence the workflow needs. store.MemoryStore and
// store.PostgresStore both satisfy it.
type Store interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	MarkProjectBaselined(ctx context.Context, project store.Project, change store.OperationalChange) (store.Project, bool, error)
	EnsureFieldState(ctx context.Context, defaults store.FieldState) (store.FieldState, error)
	ListFieldStates(ctx context.Context, projectID string) ([]store.FieldState, error)
	UpdateField(ctx context.Context, defaults store.FieldState, fn func(store.FieldTx) error) error
	GetRequest(ctx context.Context, requestID string) (store.ChangeRequest, error)
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]store.ChangeRequest, error)
	ListOperationalChanges(ctx context.Context, projectID string, limit int) ([]store.OperationalChange, error)
}

type Outcome string

const (
	OutcomeApplied   Outcome = "APPLIED"
	OutcomePending   Outcome = "PENDING"
	OutcomeUnchanged Outcome = "UNCHANGED"
)

type EditInput struct {
	ProjectID     string
	Field         string
	NewValue      string
	Justification string
}

type EditResult struct {
	Outcome Outcome              `json:"outcome"`
	State   FieldView            `json:"state"`
	Request *store.ChangeRequest `json:"request,omitempty"`
}

type Decision struct {
	Request store.ChangeRequest `json:"request"`
	State   FieldView           `json:"state"`
}

// FieldView is a field state enriched with its registry entry. Protected is
// the effective protection: the project is baselined and the field's
// baseline flag is on.
type FieldView struct {
	store.FieldState
	Label           string          `json:"label"`
	Section         string          `json:"section"`
	ProtectionClass ProtectionClass `json:"protectionClass"`
	Protected       bool            `json:"protected"`
}

type Options struct {
	Registry   *Registry
	Authorizer Authorizer
	Events     Publisher
	Logger     *slog.Logger
	Now        func() time.Time
}

type Workflow struct {
	store    Store
	registry *Registry
	authz    Authorizer
	events   Publisher
	logger   *slog.Logger
	now      func() time.Time
	locks    *fieldLocks
}

type defaultAuthorizer struct{}

func (defaultAuthorizer) Can(role rbac.Role, action rbac.Action) bool { return rbac.Can(role, action) }

type discardPublisher struct{}

func (discardPublisher) Publish(events.Event) {}

func NewWorkflow(st Store, opts Options) *Workflow {
	w := &Workflow{
		store:    st,
		registry: opts.Registry,
		authz:    opts.Authorizer,
		events:   opts.Events,
		logger:   opts.Logger,
		now:      opts.Now,
		locks:    newFieldLocks(),
	}
	if w.registry == nil {
		w.registry = DefaultRegistry()
	}
	if w.authz == nil {
		w.authz = defaultAuthorizer{}
	}
	if w.events == nil {
		w.events = discardPublisher{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	return w
}

func (w *Workflow) Registry() *Registry { return w.registry }

// Edit applies newValue directly when the field is not protected, opens a
// change request when it is, and refuses while a request is outstanding.
func (w *Workflow) Edit(ctx context.Context, actor Actor, in EditInput) (EditResult, error) {
	if err := w.authorize(actor, rbac.ActionEdit); err != nil {
		return EditResult{}, err
	}
	projectID, field, err := fieldRef(in.ProjectID, in.Field)
	if err != nil {
		return EditResult{}, err
	}
	spec := w.registry.Lookup(field)

	unlock := w.locks.lock(projectID, field)
	defer unlock()

	var (
		result    EditResult
		state     store.FieldState
		project   store.Project
		published []events.Event
	)
	err = w.store.UpdateField(ctx, w.defaults(projectID, spec), func(tx store.FieldTx) error {
		state = tx.State()
		project = tx.Project()
		now := w.now()

		if state.IsPending {
			return newError(KindConflict, "%s has a pending change request (%s); it must be decided first", spec.Label, state.PendingRequestID)
		}

		if !w.protected(spec, state, project) {
			old := state.CurrentValue
			state.CurrentValue = in.NewValue
			state.UpdatedAt = now
			tx.PutState(state)
			tx.AppendChange(store.OperationalChange{
				ID:        util.NewID("chg"),
				ProjectID: projectID,
				Section:   spec.Section,
				Field:     field,
				Kind:      store.ChangeKindValue,
				OldValue:  old,
				NewValue:  in.NewValue,
				Actor:     actor.Name,
				At:        now,
			})
			result = EditResult{Outcome: OutcomeApplied}
			published = append(published, events.NewEvent(events.FieldApplied, events.FieldAppliedEvent{
				ProjectID:       projectID,
				Field:           field,
				Section:         spec.Section,
				OldValue:        old,
				NewValue:        in.NewValue,
				Actor:           actor.Name,
				BaselineVersion: state.BaselineVersion,
			}))
			return nil
		}

		if in.NewValue == state.CurrentValue {
			result = EditResult{Outcome: OutcomeUnchanged}
			return nil
		}

		request := store.ChangeRequest{
			ID:              util.NewID("req"),
			ProjectID:       projectID,
			Field:           field,
			FieldLabel:      spec.Label,
			OldValue:        state.CurrentValue,
			NewValue:        in.NewValue,
			RequestedBy:     actor.Name,
			RequestedAt:     now,
			Justification:   strings.TrimSpace(in.Justification),
			Status:          store.RequestPending,
			BaselineVersion: state.BaselineVersion,
		}
		state.IsPending = true
		state.PendingRequestID = request.ID
		state.UpdatedAt = now
		tx.InsertRequest(request)
		tx.PutState(state)
		result = EditResult{Outcome: OutcomePending, Request: &request}
		published = append(published, events.NewEvent(events.RequestCreated, events.RequestCreatedEvent{Request: request}))
		return nil
	})
	if err != nil {
		return EditResult{}, w.translate(err, field)
	}

	result.State = w.view(spec, state, project)
	w.publish(published)
	if result.Request != nil {
		w.logger.Info("change request created",
			"request_id", result.Request.ID, "project_id", projectID, "field", field, "actor", actor.Name)
	}
	return result, nil
}

// SetBaseline flips the baseline flag of an OPTIONAL_BASELINE field. It logs
// the toggle even when the flag already has the desired value.
func (w *Workflow) SetBaseline(ctx context.Context, actor Actor, projectID, field string, desired bool) (FieldView, error) {
	if err := w.authorize(actor, rbac.ActionToggle); err != nil {
		return FieldView{}, err
	}
	projectID, field, err := fieldRef(projectID, field)
	if err != nil {
		return FieldView{}, err
	}
	spec := w.registry.Lookup(field)
	if spec.Class != ClassOptional {
		return FieldView{}, newError(KindInvalidOperation, "%s is %s; only OPTIONAL_BASELINE fields can be toggled", spec.Label, spec.Class)
	}

	unlock := w.locks.lock(projectID, field)
	defer unlock()

	var (
		state   store.FieldState
		project store.Project
	)
	err = w.store.UpdateField(ctx, w.defaults(projectID, spec), func(tx store.FieldTx) error {
		state = tx.State()
		project = tx.Project()
		now := w.now()
		previous := state.IsBaseline
		state.IsBaseline = desired
		state.UpdatedAt = now
		tx.PutState(state)
		tx.AppendChange(store.OperationalChange{
			ID:        util.NewID("chg"),
			ProjectID: projectID,
			Section:   spec.Section,
			Field:     field,
			Kind:      store.ChangeKindToggle,
			OldValue:  strconv.FormatBool(previous),
			NewValue:  strconv.FormatBool(desired),
			Actor:     actor.Name,
			At:        now,
		})
		return nil
	})
	if err != nil {
		return FieldView{}, w.translate(err, field)
	}

	w.events.Publish(events.NewEvent(events.BaselineToggled, events.BaselineToggledEvent{
		ProjectID:  projectID,
		Field:      field,
		IsBaseline: desired,
		Actor:      actor.Name,
	}))
	return w.view(spec, state, project), nil
}

func (w *Workflow) Approve(ctx context.Context, actor Actor, requestID, comments string) (Decision, error) {
	if err := w.authorize(actor, rbac.ActionApprove); err != nil {
		return Decision{}, err
	}
	return w.decide(ctx, actor, requestID, store.RequestApproved, strings.TrimSpace(comments))
}

func (w *Workflow) Reject(ctx context.Context, actor Actor, requestID, reason string) (Decision, error) {
	if err := w.authorize(actor, rbac.ActionApprove); err != nil {
		return Decision{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Decision{}, newError(KindValidation, "a reason is required to reject a change request")
	}
	return w.decide(ctx, actor, requestID, store.RequestRejected, reason)
}

func (w *Workflow) decide(ctx context.Context, actor Actor, requestID, status, comments string) (Decision, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Decision{}, newError(KindValidation, "request id is required")
	}
	request, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		return Decision{}, w.translateRequest(err, requestID)
	}
	if !request.Pending() {
		return Decision{}, newError(KindNotFound, "change request %s is not pending", requestID)
	}
	spec := w.registry.Lookup(request.Field)

	unlock := w.locks.lock(request.ProjectID, request.Field)
	defer unlock()

	var (
		decided   store.ChangeRequest
		state     store.FieldState
		project   store.Project
		published []events.Event
	)
	err = w.store.UpdateField(ctx, w.defaults(request.ProjectID, spec), func(tx store.FieldTx) error {
		current, err := tx.Request(requestID)
		if err != nil {
			return err
		}
		if !current.Pending() {
			return store.ErrNotPending
		}
		state = tx.State()
		project = tx.Project()
		now := w.now()

		current.Status = status
		current.ApprovedBy = actor.Name
		current.DecisionAt = &now
		current.ApproverComments = comments

		if status == store.RequestApproved {
			old := state.CurrentValue
			version := state.BaselineVersion + 1
			current.ResultingVersion = &version
			state.CurrentValue = current.NewValue
			state.BaselineVersion = version
			published = append(published, events.NewEvent(events.FieldApplied, events.FieldAppliedEvent{
				ProjectID:       current.ProjectID,
				Field:           current.Field,
				Section:         spec.Section,
				OldValue:        old,
				NewValue:        current.NewValue,
				Actor:           actor.Name,
				BaselineVersion: version,
				RequestID:       current.ID,
			}))
		}
		state.IsPending = false
		state.PendingRequestID = ""
		state.UpdatedAt = now

		tx.DecideRequest(current)
		tx.PutState(state)
		decided = current
		return nil
	})
	if err != nil {
		return Decision{}, w.translateRequest(err, requestID)
	}

	w.events.Publish(events.NewEvent(events.RequestDecided, events.RequestDecidedEvent{Request: decided}))
	w.publish(published)
	w.logger.Info("change request decided",
		"request_id", decided.ID, "status", decided.Status, "project_id", decided.ProjectID, "field", decided.Field, "actor", actor.Name)
	return Decision{Request: decided, State: w.view(spec, state, project)}, nil
}

// EstablishBaseline records the project's plan of record. Before it, every
// edit is operational. A second call returns the existing record.
func (w *Workflow) EstablishBaseline(ctx context.Context, actor Actor, projectID string) (store.Project, error) {
	if err := w.authorize(actor, rbac.ActionApprove); err != nil {
		return store.Project{}, err
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return store.Project{}, newError(KindValidation, "project id is required")
	}
	now := w.now()
	project, created, err := w.store.MarkProjectBaselined(ctx,
		store.Project{ID: projectID, BaselinedAt: &now, BaselinedBy: actor.Name},
		store.OperationalChange{
			ID:        util.NewID("chg"),
			ProjectID: projectID,
			Kind:      store.ChangeKindBaseline,
			NewValue:  now.Format(time.RFC3339),
			Actor:     actor.Name,
			At:        now,
		})
	if err != nil {
		return store.Project{}, fmt.Errorf("establish baseline: %w", err)
	}
	if created {
		w.events.Publish(events.NewEvent(events.ProjectBaselined, events.ProjectBaselinedEvent{
			ProjectID: projectID,
			Actor:     actor.Name,
			At:        now,
		}))
	}
	return project, nil
}

func (w *Workflow) Project(ctx context.Context, projectID string) (store.Project, error) {
	return w.store.GetProject(ctx, projectID)
}

// Field returns the state of one field, creating it from registry defaults
// on first access.
func (w *Workflow) Field(ctx context.Context, projectID, field string) (FieldView, error) {
	projectID, field, err := fieldRef(projectID, field)
	if err != nil {
		return FieldView{}, err
	}
	project, err := w.store.GetProject(ctx, projectID)
	if err != nil {
		return FieldView{}, err
	}
	spec := w.registry.Lookup(field)
	state, err := w.store.EnsureFieldState(ctx, w.defaults(projectID, spec))
	if err != nil {
		return FieldView{}, err
	}
	return w.view(spec, state, project), nil
}

// Fields returns every registry field of the project followed by any other
// field that has stored state.
func (w *Workflow) Fields(ctx context.Context, projectID string) ([]FieldView, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, newError(KindValidation, "project id is required")
	}
	project, err := w.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	specs := w.registry.Fields()
	known := make(map[string]struct{}, len(specs))
	views := make([]FieldView, 0, len(specs))
	for _, spec := range specs {
		state, err := w.store.EnsureFieldState(ctx, w.defaults(projectID, spec))
		if err != nil {
			return nil, err
		}
		known[spec.Name] = struct{}{}
		views = append(views, w.view(spec, state, project))
	}

	stored, err := w.store.ListFieldStates(ctx, projectID)
	if err != nil {
		return nil, err
	}
	extras := make([]FieldView, 0)
	for _, state := range stored {
		if _, ok := known[state.Field]; ok {
			continue
		}
		extras = append(extras, w.view(w.registry.Lookup(state.Field), state, project))
	}
	sort.Slice(extras, func(i, j int) bool { return extras[i].Field < extras[j].Field })
	return append(views, extras...), nil
}

func (w *Workflow) Request(ctx context.Context, requestID string) (store.ChangeRequest, error) {
	request, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		return store.ChangeRequest{}, w.translateRequest(err, requestID)
	}
	return request, nil
}

func (w *Workflow) ListPending(ctx context.Context, projectID string) ([]store.ChangeRequest, error) {
	return w.ListByStatus(ctx, projectID, store.RequestPending)
}

// ListByStatus lists ledger entries newest first. Empty projectID or status
// means no filter on that column.
func (w *Workflow) ListByStatus(ctx context.Context, projectID, status string) ([]store.ChangeRequest, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	switch status {
	case "", store.RequestPending, store.RequestApproved, store.RequestRejected:
	default:
		return nil, newError(KindValidation, "unknown request status %q", status)
	}
	return w.store.ListRequests(ctx, store.RequestFilter{ProjectID: strings.TrimSpace(projectID), Status: status})
}

func (w *Workflow) ListOperational(ctx context.Context, projectID string, limit int) ([]store.OperationalChange, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, newError(KindValidation, "project id is required")
	}
	return w.store.ListOperationalChanges(ctx, projectID, limit)
}

func (w *Workflow) authorize(actor Actor, action rbac.Action) error {
	if strings.TrimSpace(actor.Name) == "" {
		return newError(KindUnauthorized, "an actor is required")
	}
	if !w.authz.Can(rbac.Normalize(actor.Role), action) {
		return newError(KindUnauthorized, "role %q may not %s", actor.Role, action)
	}
	return nil
}

func (w *Workflow) defaults(projectID string, spec FieldSpec) store.FieldState {
	return store.FieldState{
		ProjectID:       projectID,
		Field:           spec.Name,
		IsBaseline:      spec.DefaultBaseline,
		BaselineVersion: 1,
		UpdatedAt:       w.now(),
	}
}

func (w *Workflow) protected(spec FieldSpec, state store.FieldState, project store.Project) bool {
	if !project.Baselined() {
		return false
	}
	switch spec.Class {
	case ClassAuto:
		return true
	case ClassOptional:
		return state.IsBaseline
	default:
		return false
	}
}

func (w *Workflow) view(spec FieldSpec, state store.FieldState, project store.Project) FieldView {
	switch spec.Class {
	case ClassAuto:
		state.IsBaseline = true
	case ClassUnprotected:
		state.IsBaseline = false
	}
	return FieldView{
		FieldState:      state,
		Label:           spec.Label,
		Section:         spec.Section,
		ProtectionClass: spec.Class,
		Protected:       w.protected(spec, state, project),
	}
}

func (w *Workflow) publish(evts []events.Event) {
	for _, evt := range evts {
		w.events.Publish(evt)
	}
}

func (w *Workflow) translate(err error, field string) error {
	var domainErr *Error
	switch {
	case errors.As(err, &domainErr):
		return domainErr
	case errors.Is(err, store.ErrPendingConflict):
		return newError(KindConflict, "%s already has a pending change request", field)
	default:
		return fmt.Errorf("update %s: %w", field, err)
	}
}

func (w *Workflow) translateRequest(err error, requestID string) error {
	var domainErr *Error
	switch {
	case errors.As(err, &domainErr):
		return domainErr
	case errors.Is(err, sql.ErrNoRows):
		return newError(KindNotFound, "change request %s not found", requestID)
	case errors.Is(err, store.ErrNotPending):
		return newError(KindNotFound, "change request %s is not pending", requestID)
	default:
		return fmt.Errorf("decide %s: %w", requestID, err)
	}
}

func fieldRef(projectID, field string) (string, string, error) {
	projectID = strings.TrimSpace(projectID)
	field = strings.TrimSpace(field)
	if projectID == "" {
		return "", "", newError(KindValidation, "project id is required")
	}
	if field == "" {
		return "", "", newError(KindValidation, "field is required")
	}
	return projectID, field, nil
}
