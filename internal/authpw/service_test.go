package authpw

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"baseline/api/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	users := store.NewMemoryStore()
	return NewService(users, bcrypt.MinCost), users
}

func TestRegisterHashesPassword(t *testing.T) {
	svc, users := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Name: "  Nadia ", Password: "approve-all-day", Role: "pmo"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.DisplayName != "Nadia" || user.Role != "pmo" {
		t.Fatalf("user = %+v", user)
	}
	stored, _ := users.GetUserByName(ctx, "Nadia")
	if stored.PasswordHash == "" || stored.PasswordHash == "approve-all-day" {
		t.Fatalf("stored hash = %q, want bcrypt hash", stored.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("approve-all-day")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{name: "blank name", req: RegisterRequest{Name: " ", Password: "long-enough"}, want: ErrNameRequired},
		{name: "short password", req: RegisterRequest{Name: "Sara", Password: "short"}, want: ErrPasswordTooShort},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("Register() error = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := svc.Register(ctx, RegisterRequest{Name: "Sara", Password: "long-enough"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Name: "Sara", Password: "other-password"}); !errors.Is(err, store.ErrUserExists) {
		t.Fatalf("duplicate register error = %v, want ErrUserExists", err)
	}
}

func TestAuthenticate(t *testing.T) {
	svc, users := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Name: "Nadia", Password: "approve-all-day", Role: "pmo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := users.CreateUser(ctx, store.User{DisplayName: "Legacy", Role: "member"}); err != nil {
		t.Fatalf("create legacy user: %v", err)
	}

	user, err := svc.Authenticate(ctx, "Nadia", "approve-all-day")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.Role != "pmo" {
		t.Fatalf("role = %s", user.Role)
	}

	failures := []struct {
		name, user, password string
	}{
		{"wrong password", "Nadia", "approve-nothing"},
		{"missing password", "Nadia", ""},
		{"unknown user", "Ghost", "approve-all-day"},
		{"no password set", "Legacy", "anything-at-all"},
		{"blank name", "", "approve-all-day"},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Authenticate(ctx, tc.user, tc.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("Authenticate() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Name: "Sara", Password: "first-password"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.ChangePassword(ctx, "Sara", "wrong-password", "second-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("change with wrong current = %v", err)
	}
	if err := svc.ChangePassword(ctx, "Sara", "first-password", "short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("change to short password = %v", err)
	}
	if err := svc.ChangePassword(ctx, "Sara", "first-password", "second-password"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if _, err := svc.Authenticate(ctx, "Sara", "first-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "Sara", "second-password"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestEnsureCreatesThenPromotesWithoutResettingPassword(t *testing.T) {
	svc, users := newTestService(t)
	ctx := context.Background()

	created, err := svc.Ensure(ctx, "Root", "root-password", "admin")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if created.Role != "admin" {
		t.Fatalf("role = %s", created.Role)
	}

	if err := users.SetUserRole(ctx, created.ID, "member"); err != nil {
		t.Fatalf("demote: %v", err)
	}
	again, err := svc.Ensure(ctx, "Root", "different-password", "admin")
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if again.ID != created.ID || again.Role != "admin" {
		t.Fatalf("again = %+v", again)
	}
	if _, err := svc.Authenticate(ctx, "Root", "root-password"); err != nil {
		t.Fatalf("existing password replaced: %v", err)
	}
}
