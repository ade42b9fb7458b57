package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"baseline/api/internal/baseline"
	"baseline/api/internal/config"
	"baseline/api/internal/store"
)

type testServer struct {
	server *HTTPServer
	svc    *Service
	store  *store.MemoryStore
	logs   *bytes.Buffer
}

func newTestServer(t *testing.T, deps Deps) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	if deps.Users == nil {
		deps.Users = st
	}
	if deps.Workflow == nil {
		deps.Workflow = baseline.NewWorkflow(st, baseline.Options{Logger: logger})
	}
	deps.Logger = logger
	svc := New(testConfig(), deps)
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return &testServer{server: NewHTTPServer(svc, "*", logger), svc: svc, store: st, logs: logs}
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:              "test-secret",
		AccessTTLSec:           3600,
		RefreshTTLSec:          86400,
		BcryptCost:             bcrypt.MinCost,
		BootstrapAdmin:         "Root",
		BootstrapAdminPassword: passwordFor("Root"),
	}
}

// passwordFor is the password test accounts are created with.
func passwordFor(name string) string {
	return strings.ToLower(name) + "-password"
}

// createUser registers name with passwordFor(name).
func (ts *testServer) createUser(t *testing.T, name, role string) string {
	t.Helper()
	payload, err := ts.svc.CreateUser(context.Background(), name, passwordFor(name), role)
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	userID, _ := payload["userId"].(string)
	return userID
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

// login signs name in with passwordFor(name), creating the account on first
// use. A non-empty role is applied before signing in.
func (ts *testServer) login(t *testing.T, name, role string) (token string, userID string) {
	t.Helper()
	existing, err := ts.store.GetUserByName(context.Background(), name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if role == "" {
			role = "member"
		}
		ts.createUser(t, name, role)
	case err != nil:
		t.Fatalf("lookup %s: %v", name, err)
	case role != "":
		if err := ts.store.SetUserRole(context.Background(), existing.ID, role); err != nil {
			t.Fatalf("set role: %v", err)
		}
	}

	rr := ts.do(t, http.MethodPost, "/api/session/login", "", loginBody(name, passwordFor(name)))
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body=%s", name, rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	token, _ = payload["token"].(string)
	userID, _ = payload["userId"].(string)
	return token, userID
}

func loginBody(name, password string) string {
	body, _ := json.Marshal(map[string]string{"name": name, "password": password})
	return string(body)
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	if got := decodeMap(t, rr)["code"]; got != code {
		t.Fatalf("expected code %s, got %v", code, got)
	}
}
