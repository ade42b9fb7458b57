package store

import (
	"errors"
	"time"
)

// ErrUserExists is returned when a display name is already taken.
var ErrUserExists = errors.New("user already exists")

const (
	RequestPending  = "PENDING"
	RequestApproved = "APPROVED"
	RequestRejected = "REJECTED"
)

const (
	ChangeKindValue    = "VALUE"
	ChangeKindToggle   = "TOGGLE"
	ChangeKindBaseline = "BASELINE"
)

type User struct {
	ID           string
	DisplayName  string
	Role         string
	PasswordHash string
	CreatedAt    time.Time
}

// Project only tracks whether the plan of record has been established.
type Project struct {
	ID          string     `json:"id"`
	BaselinedAt *time.Time `json:"baselinedAt,omitempty"`
	BaselinedBy string     `json:"baselinedBy,omitempty"`
}

func (p Project) Baselined() bool {
	return p.BaselinedAt != nil
}

// FieldState is the per (project, field) baseline record.
type FieldState struct {
	ProjectID        string    `json:"projectId"`
	Field            string    `json:"field"`
	IsBaseline       bool      `json:"isBaseline"`
	IsPending        bool      `json:"isPending"`
	PendingRequestID string    `json:"pendingRequestId,omitempty"`
	CurrentValue     string    `json:"currentValue"`
	BaselineVersion  int       `json:"baselineVersion"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type ChangeRequest struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"projectId"`
	Field            string     `json:"field"`
	FieldLabel       string     `json:"fieldLabel"`
	OldValue         string     `json:"oldValue"`
	NewValue         string     `json:"newValue"`
	RequestedBy      string     `json:"requestedBy"`
	RequestedAt      time.Time  `json:"requestedAt"`
	Justification    string     `json:"justification,omitempty"`
	Status           string     `json:"status"`
	ApprovedBy       string     `json:"approvedBy,omitempty"`
	DecisionAt       *time.Time `json:"decisionAt,omitempty"`
	ApproverComments string     `json:"approverComments,omitempty"`
	BaselineVersion  int        `json:"baselineVersion"`
	ResultingVersion *int       `json:"resultingVersion,omitempty"`
}

func (r ChangeRequest) Pending() bool {
	return r.Status == RequestPending
}

type OperationalChange struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Section   string    `json:"section"`
	Field     string    `json:"field"`
	Kind      string    `json:"kind"`
	OldValue  string    `json:"oldValue"`
	NewValue  string    `json:"newValue"`
	Actor     string    `json:"actor"`
	At        time.Time `json:"at"`
}

type RequestFilter struct {
	ProjectID string
	Status    string
	// RequestedBefore restricts results to requests created strictly before it.
	RequestedBefore *time.Time
	Limit           int
}
