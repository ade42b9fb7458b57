package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"baseline/api/internal/archive"
	"baseline/api/internal/auth"
	"baseline/api/internal/authpw"
	"baseline/api/internal/baseline"
	"baseline/api/internal/config"
	"baseline/api/internal/rbac"
	"baseline/api/internal/search"
	"baseline/api/internal/store"
	"baseline/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// Actor is the workflow identity behind the session.
func (s Session) Actor() baseline.Actor {
	return baseline.Actor{Name: s.UserName, Role: s.Role}
}

type userStore interface {
	authpw.UserStore
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type auditSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type archiveReader interface {
	Fetch(ctx context.Context, projectID, requestID string) (archive.Record, error)
}

// Deps are the collaborators of the service. Search and Archive are
// optional.
type Deps struct {
	Users    userStore
	Sessions sessionStore
	Workflow *baseline.Workflow
	Search   auditSearcher
	Archive  archiveReader
	Logger   *slog.Logger
}

type Service struct {
	cfg        config.Config
	users      userStore
	sessions   sessionStore
	workflow   *baseline.Workflow
	search     auditSearcher
	archive    archiveReader
	passwords  *authpw.Service
	signer     *auth.Signer
	refreshTTL time.Duration
	logger     *slog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		if fallback, ok := deps.Users.(sessionStore); ok {
			sessions = fallback
		}
	}
	return &Service{
		cfg:        cfg,
		users:      deps.Users,
		sessions:   sessions,
		workflow:   deps.Workflow,
		search:     deps.Search,
		archive:    deps.Archive,
		passwords:  authpw.NewService(deps.Users, cfg.BcryptCost),
		signer:     auth.NewSigner([]byte(cfg.JWTSecret), cfg.AccessTTL()),
		refreshTTL: cfg.RefreshTTL(),
		logger:     logger,
	}
}

// Login checks name and password and issues a session for the stored role.
func (s *Service) Login(ctx context.Context, name, password string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	user, err := s.passwords.Authenticate(ctx, userName, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			s.logger.Warn("login rejected", "user_name", userName)
		}
		return Session{}, credentialError(err)
	}
	return s.issueSession(ctx, user)
}

// Bootstrap makes sure the configured bootstrap admin can sign in.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.BootstrapAdmin == "" {
		return nil
	}
	user, err := s.passwords.Ensure(ctx, s.cfg.BootstrapAdmin, s.cfg.BootstrapAdminPassword, string(rbac.RoleAdmin))
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	s.logger.Info("bootstrap admin ready", "user_id", user.ID, "user_name", user.DisplayName)
	return nil
}

// ChangePassword lets the signed-in user replace their own password.
func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	return credentialError(s.passwords.ChangePassword(ctx, session.UserName, current, next))
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	record, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session store may only know the id; pick up the current role.
	user, err := s.users.GetUserByID(ctx, record.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	token, claims, err := s.signer.Issue(user.ID, user.DisplayName, user.Role, jti)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, time.Now().Add(s.refreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    claims.ExpiresAt(),
	}, nil
}

// SessionFromToken verifies the bearer token and reloads the user so role
// changes apply without a new login.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.users.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", "err", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", "err", err)
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Ping checks the user store and, when it is separate, the session store.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.users.Ping(ctx)}
	if pinger, ok := s.sessions.(interface{ Ping(context.Context) error }); ok && any(s.sessions) != any(s.users) {
		checks["sessions"] = pinger.Ping(ctx)
	}
	return checks
}

func (s *Service) SetUserRole(ctx context.Context, userID, role string) (map[string]any, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if !rbac.Valid(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of viewer, member, pmo, admin", map[string]any{"role": role})
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetUserRole(ctx, user.ID, role); err != nil {
		return nil, err
	}
	s.logger.Info("user role changed", "user_id", user.ID, "from", user.Role, "to", role)
	return map[string]any{"userId": user.ID, "userName": user.DisplayName, "role": role}, nil
}

// CreateUser registers an account. Role defaults to member.
func (s *Service) CreateUser(ctx context.Context, name, password, role string) (map[string]any, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = string(rbac.RoleMember)
	}
	if !rbac.Valid(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of viewer, member, pmo, admin", map[string]any{"role": role})
	}
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{Name: name, Password: password, Role: role})
	if err != nil {
		return nil, credentialError(err)
	}
	s.logger.Info("user created", "user_id", user.ID, "user_name", user.DisplayName, "role", role)
	return map[string]any{"userId": user.ID, "userName": user.DisplayName, "role": user.Role}, nil
}

// ResetPassword sets another user's password.
func (s *Service) ResetPassword(ctx context.Context, userID, password string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.passwords.SetPassword(ctx, user.ID, password); err != nil {
		return credentialError(err)
	}
	s.logger.Info("user password reset", "user_id", user.ID)
	return nil
}

func (s *Service) Registry() map[string]any {
	return map[string]any{"fields": s.workflow.Registry().Fields()}
}

func (s *Service) Fields(ctx context.Context, projectID string) (map[string]any, error) {
	project, err := s.workflow.Project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	views, err := s.workflow.Fields(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": project, "fields": views}, nil
}

func (s *Service) Field(ctx context.Context, projectID, field string) (baseline.FieldView, error) {
	return s.workflow.Field(ctx, projectID, field)
}

func (s *Service) Edit(ctx context.Context, session Session, projectID, field, newValue, justification string) (baseline.EditResult, error) {
	return s.workflow.Edit(ctx, session.Actor(), baseline.EditInput{
		ProjectID:     projectID,
		Field:         field,
		NewValue:      newValue,
		Justification: justification,
	})
}

func (s *Service) ToggleBaseline(ctx context.Context, session Session, projectID, field string, desired bool) (map[string]any, error) {
	view, err := s.workflow.SetBaseline(ctx, session.Actor(), projectID, field, desired)
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": view}, nil
}

func (s *Service) Approve(ctx context.Context, session Session, requestID, comments string) (baseline.Decision, error) {
	return s.workflow.Approve(ctx, session.Actor(), requestID, comments)
}

func (s *Service) Reject(ctx context.Context, session Session, requestID, reason string) (baseline.Decision, error) {
	return s.workflow.Reject(ctx, session.Actor(), requestID, reason)
}

func (s *Service) Request(ctx context.Context, requestID string) (store.ChangeRequest, error) {
	return s.workflow.Request(ctx, requestID)
}

func (s *Service) ListRequests(ctx context.Context, projectID, status string) (map[string]any, error) {
	items, err := s.workflow.ListByStatus(ctx, projectID, status)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

func (s *Service) ArchivedRequest(ctx context.Context, requestID string) (archive.Record, error) {
	if s.archive == nil {
		return archive.Record{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Archive is not configured", nil)
	}
	request, err := s.workflow.Request(ctx, requestID)
	if err != nil {
		return archive.Record{}, err
	}
	if request.Pending() {
		return archive.Record{}, domainError(http.StatusConflict, "CONFLICT", "Pending requests are not archived", nil)
	}
	record, err := s.archive.Fetch(ctx, request.ProjectID, request.ID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return archive.Record{}, domainError(http.StatusNotFound, "NOT_FOUND", "Request has not been archived yet", nil)
		}
		return archive.Record{}, err
	}
	return record, nil
}

func (s *Service) Project(ctx context.Context, projectID string) (store.Project, error) {
	return s.workflow.Project(ctx, projectID)
}

func (s *Service) EstablishBaseline(ctx context.Context, session Session, projectID string) (store.Project, error) {
	return s.workflow.EstablishBaseline(ctx, session.Actor(), projectID)
}

func (s *Service) OperationalLog(ctx context.Context, projectID string, limit int) (map[string]any, error) {
	items, err := s.workflow.ListOperational(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Audit search is not configured", nil)
	}
	return s.search.Search(ctx, q), nil
}
