package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"baseline/api/internal/util"
)

type fieldKey struct {
	projectID string
	field     string
}

type refreshSession struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

// MemoryStore keeps every entity in maps guarded by a single mutex. It is the
// default backend when no DATABASE_URL is configured and the backend used by
// unit tests.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]User
	userByName  map[string]string
	projects    map[string]Project
	fields      map[fieldKey]FieldState
	requests    map[string]ChangeRequest
	requestSeq  []string
	changes     []OperationalChange
	refresh     map[string]refreshSession
	revokedJTIs map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]User),
		userByName:  make(map[string]string),
		projects:    make(map[string]Project),
		fields:      make(map[fieldKey]FieldState),
		requests:    make(map[string]ChangeRequest),
		refresh:     make(map[string]refreshSession),
		revokedJTIs: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetUserByName(_ context.Context, name string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userByName[name]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return s.users[id], nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userByName[user.DisplayName]; ok {
		return User{}, ErrUserExists
	}
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	user.CreatedAt = time.Now().UTC()
	s.users[user.ID] = user
	s.userByName[user.DisplayName] = user.ID
	return user, nil
}

func (s *MemoryStore) SetUserPassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) SetUserRole(_ context.Context, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Role = role
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = refreshSession{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.refresh[tokenHash]
	if !ok || session.revoked || !time.Now().Before(session.expiresAt) {
		return User{}, sql.ErrNoRows
	}
	user, ok := s.users[session.userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.refresh[tokenHash]; ok {
		session.revoked = true
		s.refresh[tokenHash] = session
	}
	return nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedJTIs[jti] = exp
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revokedJTIs[jti]
	return ok, nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[projectID]
	if !ok {
		return Project{ID: projectID}, nil
	}
	return project, nil
}

func (s *MemoryStore) MarkProjectBaselined(_ context.Context, project Project, change OperationalChange) (Project, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.projects[project.ID]; ok && existing.Baselined() {
		return existing, false, nil
	}
	s.projects[project.ID] = project
	s.changes = append(s.changes, change)
	return project, true, nil
}

func (s *MemoryStore) EnsureFieldState(_ context.Context, defaults FieldState) (FieldState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureFieldLocked(defaults), nil
}

func (s *MemoryStore) ensureFieldLocked(defaults FieldState) FieldState {
	key := fieldKey{projectID: defaults.ProjectID, field: defaults.Field}
	if state, ok := s.fields[key]; ok {
		return state
	}
	s.fields[key] = defaults
	return defaults
}

func (s *MemoryStore) ListFieldStates(_ context.Context, projectID string) ([]FieldState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]FieldState, 0)
	for key, state := range s.fields {
		if key.projectID == projectID {
			items = append(items, state)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Field < items[j].Field })
	return items, nil
}

func (s *MemoryStore) UpdateField(ctx context.Context, defaults FieldState, fn func(FieldTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryFieldTx{
		store:   s,
		project: s.projectLocked(defaults.ProjectID),
		current: s.ensureFieldLocked(defaults),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commitLocked(&tx.stagedWrites)
}

func (s *MemoryStore) projectLocked(projectID string) Project {
	if project, ok := s.projects[projectID]; ok {
		return project
	}
	return Project{ID: projectID}
}

// commitLocked validates every staged write before applying any of them.
func (s *MemoryStore) commitLocked(w *stagedWrites) error {
	if w.empty() {
		return nil
	}
	for _, request := range w.inserted {
		if _, exists := s.requests[request.ID]; exists {
			return fmt.Errorf("insert change request %s: duplicate id", request.ID)
		}
		if request.Pending() && s.hasPendingLocked(request.ProjectID, request.Field) {
			return ErrPendingConflict
		}
	}
	for _, request := range w.decided {
		current, ok := s.requests[request.ID]
		if !ok || !current.Pending() {
			return ErrNotPending
		}
	}

	for _, request := range w.inserted {
		s.requests[request.ID] = request
		s.requestSeq = append(s.requestSeq, request.ID)
	}
	for _, request := range w.decided {
		s.requests[request.ID] = request
	}
	if w.state != nil {
		s.fields[fieldKey{projectID: w.state.ProjectID, field: w.state.Field}] = *w.state
	}
	s.changes = append(s.changes, w.changes...)
	return nil
}

func (s *MemoryStore) hasPendingLocked(projectID, field string) bool {
	for _, request := range s.requests {
		if request.ProjectID == projectID && request.Field == field && request.Pending() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetRequest(_ context.Context, requestID string) (ChangeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	request, ok := s.requests[requestID]
	if !ok {
		return ChangeRequest{}, sql.ErrNoRows
	}
	return request, nil
}

func (s *MemoryStore) ListRequests(_ context.Context, filter RequestFilter) ([]ChangeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ChangeRequest, 0)
	for i := len(s.requestSeq) - 1; i >= 0; i-- {
		request := s.requests[s.requestSeq[i]]
		if filter.ProjectID != "" && request.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && !strings.EqualFold(request.Status, filter.Status) {
			continue
		}
		if filter.RequestedBefore != nil && !request.RequestedAt.Before(*filter.RequestedBefore) {
			continue
		}
		items = append(items, request)
		if filter.Limit > 0 && len(items) >= filter.Limit {
			break
		}
	}
	return items, nil
}

func (s *MemoryStore) ListOperationalChanges(_ context.Context, projectID string, limit int) ([]OperationalChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]OperationalChange, 0)
	for i := len(s.changes) - 1; i >= 0; i-- {
		change := s.changes[i]
		if change.ProjectID != projectID {
			continue
		}
		items = append(items, change)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

type memoryFieldTx struct {
	stagedWrites
	store   *MemoryStore
	project Project
	current FieldState
}

func (tx *memoryFieldTx) Project() Project { return tx.project }

func (tx *memoryFieldTx) State() FieldState { return tx.current }

func (tx *memoryFieldTx) Request(requestID string) (ChangeRequest, error) {
	request, ok := tx.store.requests[requestID]
	if !ok {
		return ChangeRequest{}, sql.ErrNoRows
	}
	return request, nil
}
