package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"baseline/api/internal/auth"
	"baseline/api/internal/baseline"
	"baseline/api/internal/rbac"
	"baseline/api/internal/search"
	"baseline/api/internal/session"
)

type httpObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	metrics    httpObserver
	metricsH   http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

// WithMetrics records request metrics on m and serves handler at /metrics.
func (s *HTTPServer) WithMetrics(m httpObserver, handler http.Handler) *HTTPServer {
	s.metrics = m
	s.metricsH = handler
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metricsH != nil {
		s.metricsH.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Ping(ctx) {
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		current, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": current.UserName, "userId": current.UserID, "role": current.Role})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name     string `json:"name"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		issued, err := s.service.Login(r.Context(), body.Name, body.Password)
		if err != nil {
			var domainErr *DomainError
			if errors.As(err, &domainErr) {
				writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
				return
			}
			s.logger.Error("login failed", "err", err)
			writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(issued))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		issued, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(issued))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		current := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				current = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), current, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	current, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "session":
		if len(parts) == 3 && parts[2] == "password" && r.Method == http.MethodPost {
			var body struct {
				CurrentPassword string `json:"currentPassword"`
				NewPassword     string `json:"newPassword"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.ChangePassword(r.Context(), current, body.CurrentPassword, body.NewPassword); err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	case "registry":
		if len(parts) == 2 && r.Method == http.MethodGet {
			if !s.requireRead(w, current) {
				return
			}
			writeJSON(w, http.StatusOK, s.service.Registry())
			return
		}
	case "fields":
		if s.handleFields(w, r, current, parts) {
			return
		}
	case "requests":
		if s.handleRequests(w, r, current, parts) {
			return
		}
	case "projects":
		if s.handleProjects(w, r, current, parts) {
			return
		}
	case "audit":
		if len(parts) == 3 && parts[2] == "search" && r.Method == http.MethodGet {
			s.handleAuditSearch(w, r, current)
			return
		}
	case "admin":
		if s.handleAdmin(w, r, current, parts) {
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleFields serves /api/fields/{projectId}[/{field}[/edit|/toggle-baseline]].
func (s *HTTPServer) handleFields(w http.ResponseWriter, r *http.Request, current Session, parts []string) bool {
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		if !s.requireRead(w, current) {
			return true
		}
		payload, err := s.service.Fields(r.Context(), parts[2])
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true

	case len(parts) == 4 && r.Method == http.MethodGet:
		if !s.requireRead(w, current) {
			return true
		}
		view, err := s.service.Field(r.Context(), parts[2], parts[3])
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": view})
		return true

	case len(parts) == 5 && parts[4] == "edit":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return true
		}
		var body struct {
			NewValue      json.RawMessage `json:"newValue"`
			Justification string          `json:"justification"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		if len(body.NewValue) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "newValue is required", nil)
			return true
		}
		newValue, ok := editValue(body.NewValue)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "newValue must be a string or a number", nil)
			return true
		}
		result, err := s.service.Edit(r.Context(), current, parts[2], parts[3], newValue, body.Justification)
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		status := http.StatusOK
		if result.Outcome == baseline.OutcomePending {
			status = http.StatusAccepted
		}
		writeJSON(w, status, result)
		return true

	case len(parts) == 5 && parts[4] == "toggle-baseline":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return true
		}
		var body struct {
			Desired *bool `json:"desired"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		if body.Desired == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "desired is required", nil)
			return true
		}
		payload, err := s.service.ToggleBaseline(r.Context(), current, parts[2], parts[3], *body.Desired)
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}
	return false
}

// handleRequests serves the change request ledger under /api/requests.
func (s *HTTPServer) handleRequests(w http.ResponseWriter, r *http.Request, current Session, parts []string) bool {
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		if !s.requireRead(w, current) {
			return true
		}
		query := r.URL.Query()
		payload, err := s.service.ListRequests(r.Context(), strings.TrimSpace(query.Get("projectId")), strings.TrimSpace(query.Get("status")))
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true

	case len(parts) == 3 && r.Method == http.MethodGet:
		if !s.requireRead(w, current) {
			return true
		}
		request, err := s.service.Request(r.Context(), parts[2])
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"request": request})
		return true

	case len(parts) == 4 && parts[3] == "archive" && r.Method == http.MethodGet:
		if !s.requireRead(w, current) {
			return true
		}
		record, err := s.service.ArchivedRequest(r.Context(), parts[2])
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, record)
		return true

	case len(parts) == 4 && parts[3] == "approve":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return true
		}
		var body struct {
			Comments string `json:"comments"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		decision, err := s.service.Approve(r.Context(), current, parts[2], body.Comments)
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, decision)
		return true

	case len(parts) == 4 && parts[3] == "reject":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return true
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		decision, err := s.service.Reject(r.Context(), current, parts[2], body.Reason)
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, decision)
		return true
	}
	return false
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, current Session, parts []string) bool {
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		if !s.requireRead(w, current) {
			return true
		}
		project, err := s.service.Project(r.Context(), parts[2])
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": project})
		return true

	case len(parts) == 4 && parts[3] == "baseline":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return true
		}
		project, err := s.service.EstablishBaseline(r.Context(), current, parts[2])
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": project})
		return true

	case len(parts) == 4 && parts[3] == "operational-log" && r.Method == http.MethodGet:
		if !s.requireRead(w, current) {
			return true
		}
		limit, ok := queryInt(w, r, "limit", 100)
		if !ok {
			return true
		}
		payload, err := s.service.OperationalLog(r.Context(), parts[2], limit)
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}
	return false
}

func (s *HTTPServer) handleAuditSearch(w http.ResponseWriter, r *http.Request, current Session) {
	if !s.requireRead(w, current) {
		return
	}
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	query := r.URL.Query()
	payload, err := s.service.Search(r.Context(), search.Query{
		Text:      strings.TrimSpace(query.Get("q")),
		ProjectID: strings.TrimSpace(query.Get("projectId")),
		Status:    strings.TrimSpace(query.Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleAdmin serves /api/admin/users[/{userId}/role|/{userId}/password].
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, current Session, parts []string) bool {
	if len(parts) < 3 || parts[2] != "users" {
		return false
	}
	var route string
	switch {
	case len(parts) == 3 && r.Method == http.MethodPost:
		route = "create"
	case len(parts) == 5 && parts[4] == "role" && r.Method == http.MethodPut:
		route = "role"
	case len(parts) == 5 && parts[4] == "password" && r.Method == http.MethodPut:
		route = "password"
	case len(parts) == 3 || (len(parts) == 5 && (parts[4] == "role" || parts[4] == "password")):
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return true
	default:
		return false
	}
	if !s.service.Can(current.Role, rbac.ActionAdmin) {
		s.forbid(w, r, current, rbac.ActionAdmin)
		return true
	}

	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return true
	}

	switch route {
	case "create":
		payload, err := s.service.CreateUser(r.Context(), body.Name, body.Password, body.Role)
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
	case "role":
		payload, err := s.service.SetUserRole(r.Context(), parts[3], body.Role)
		if err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
	case "password":
		if err := s.service.ResetPassword(r.Context(), parts[3], body.Password); err != nil {
			s.writeMappedError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
	return true
}

func (s *HTTPServer) requireRead(w http.ResponseWriter, current Session) bool {
	if s.service.Can(current.Role, rbac.ActionRead) {
		return true
	}
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	return false
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, current Session, action rbac.Action) {
	s.logger.Warn("forbidden", "request_id", requestID(r.Context()), "user_id", current.UserID, "role", current.Role, "action", string(action))
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	current, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) ||
			errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", "request_id", requestID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return current, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, routeLabel(r.URL.Path), writer.status, elapsed)
		}
		s.logger.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// routeLabel collapses ids out of a path so metrics labels stay bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) < 2 || parts[0] != "api" {
		if path == "/metrics" {
			return path
		}
		return "other"
	}
	switch parts[1] {
	case "fields":
		names := []string{"{projectId}", "{field}"}
		for i := 2; i < len(parts) && i < 4; i++ {
			parts[i] = names[i-2]
		}
	case "requests":
		if len(parts) > 2 {
			parts[2] = "{requestId}"
		}
	case "projects":
		if len(parts) > 2 {
			parts[2] = "{projectId}"
		}
	case "admin":
		if len(parts) > 3 {
			parts[3] = "{userId}"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func sessionPayload(issued Session) map[string]any {
	return map[string]any{
		"token":        issued.Token,
		"refreshToken": issued.RefreshToken,
		"userName":     issued.UserName,
		"userId":       issued.UserID,
		"role":         issued.Role,
		"expiresAt":    issued.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "err", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// editValue reads a field value off the wire. Strings are unquoted and
// numbers keep their JSON literal, so 120000 is stored as "120000".
func editValue(raw json.RawMessage) (string, bool) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be a non-negative integer", nil)
		return 0, false
	}
	return parsed, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var workflowErr *baseline.Error
	if errors.As(err, &workflowErr) {
		status, code := workflowStatus(workflowErr.Kind)
		return status, code, workflowErr.Error(), nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
