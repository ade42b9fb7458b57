package search

import "baseline/api/internal/store"

// Result is a single ledger hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	Field       string `json:"field"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	Status      string `json:"status"`
	RequestedBy string `json:"requestedBy"`
}

// Query describes an audit search. Empty filters match everything.
type Query struct {
	Text      string
	ProjectID string
	Status    string
	Limit     int
	Offset    int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// RequestRecord is the document indexed for one change request.
type RequestRecord struct {
	ID               string `json:"id"`
	ProjectID        string `json:"projectId"`
	Field            string `json:"field"`
	FieldLabel       string `json:"fieldLabel"`
	OldValue         string `json:"oldValue"`
	NewValue         string `json:"newValue"`
	Justification    string `json:"justification"`
	ApproverComments string `json:"approverComments"`
	RequestedBy      string `json:"requestedBy"`
	ApprovedBy       string `json:"approvedBy"`
	Status           string `json:"status"`
	RequestedAt      int64  `json:"requestedAt"`
}

func RecordFromRequest(r store.ChangeRequest) RequestRecord {
	return RequestRecord{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		Field:            r.Field,
		FieldLabel:       r.FieldLabel,
		OldValue:         r.OldValue,
		NewValue:         r.NewValue,
		Justification:    r.Justification,
		ApproverComments: r.ApproverComments,
		RequestedBy:      r.RequestedBy,
		ApprovedBy:       r.ApprovedBy,
		Status:           r.Status,
		RequestedAt:      r.RequestedAt.UTC().Unix(),
	}
}

func resultFromRequest(r store.ChangeRequest) Result {
	return Result{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Field:       r.Field,
		Title:       r.FieldLabel + ": " + r.OldValue + " → " + r.NewValue,
		Snippet:     firstNonBlank(r.ApproverComments, r.Justification),
		Status:      r.Status,
		RequestedBy: r.RequestedBy,
	}
}
