package events

import (
	"time"

	"baseline/api/internal/store"
)

const (
	FieldApplied     EventType = "baseline.field_applied"
	RequestCreated   EventType = "baseline.request_created"
	RequestDecided   EventType = "baseline.request_decided"
	BaselineToggled  EventType = "baseline.toggled"
	ProjectBaselined EventType = "baseline.project_baselined"
)

// All lists every domain event type in publication order of a typical
// request lifecycle.
var All = []EventType{ProjectBaselined, BaselineToggled, FieldApplied, RequestCreated, RequestDecided}

type FieldAppliedEvent struct {
	ProjectID       string `json:"projectId"`
	Field           string `json:"field"`
	Section         string `json:"section"`
	OldValue        string `json:"oldValue"`
	NewValue        string `json:"newValue"`
	Actor           string `json:"actor"`
	BaselineVersion int    `json:"baselineVersion"`
	// RequestID is set when the value was applied by an approval.
	RequestID string `json:"requestId,omitempty"`
}

type RequestCreatedEvent struct {
	Request store.ChangeRequest `json:"request"`
}

type RequestDecidedEvent struct {
	Request store.ChangeRequest `json:"request"`
}

type BaselineToggledEvent struct {
	ProjectID  string `json:"projectId"`
	Field      string `json:"field"`
	IsBaseline bool   `json:"isBaseline"`
	Actor      string `json:"actor"`
}

type ProjectBaselinedEvent struct {
	ProjectID string    `json:"projectId"`
	Actor     string    `json:"actor"`
	At        time.Time `json:"at"`
}
