package store

import "errors"

var (
	// ErrPendingConflict is returned on commit when a second PENDING request
	// would exist for the same field.
	ErrPendingConflict = errors.New("field already has a pending change request")
	// ErrNotPending is returned on commit when a decision targets a request
	// that is no longer PENDING.
	ErrNotPending = errors.New("change request is not pending")
)

// FieldTx is the unit of work for one (project, field) pair. Reads see the
// locked row; writes are staged and become visible only when the enclosing
// UpdateField call commits. Nothing is written if the callback fails.
type FieldTx interface {
	Project() Project
	State() FieldState
	Request(id string) (ChangeRequest, error)

	PutState(FieldState)
	InsertRequest(ChangeRequest)
	DecideRequest(ChangeRequest)
	AppendChange(OperationalChange)
}

type stagedWrites struct {
	state    *FieldState
	inserted []ChangeRequest
	decided  []ChangeRequest
	changes  []OperationalChange
}

func (w *stagedWrites) PutState(state FieldState) {
	w.state = &state
}

func (w *stagedWrites) InsertRequest(request ChangeRequest) {
	w.inserted = append(w.inserted, request)
}

func (w *stagedWrites) DecideRequest(request ChangeRequest) {
	w.decided = append(w.decided, request)
}

func (w *stagedWrites) AppendChange(change OperationalChange) {
	w.changes = append(w.changes, change)
}

func (w *stagedWrites) empty() bool {
	return w.state == nil && len(w.inserted) == 0 && len(w.decided) == 0 && len(w.changes) == 0
}
