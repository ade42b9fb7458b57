// Package authpw verifies name/password credentials against bcrypt hashes.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"baseline/api/internal/store"
)

const MinPasswordLength = 8

var (
	// ErrInvalidCredentials covers unknown names, wrong passwords and users
	// that never had a password set.
	ErrInvalidCredentials = errors.New("invalid name or password")
	ErrNameRequired       = errors.New("name is required")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// UserStore is the slice of the user store that credentials need.
type UserStore interface {
	GetUserByName(ctx context.Context, name string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	SetUserPassword(ctx context.Context, userID, passwordHash string) error
	SetUserRole(ctx context.Context, userID, role string) error
}

type Service struct {
	store UserStore
	cost  int
	// compared against when the name is unknown so both paths pay for one
	// bcrypt comparison
	dummyHash []byte
}

// NewService hashes with cost, or bcrypt.DefaultCost when cost is zero.
func NewService(users UserStore, cost int) *Service {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("baseline-unknown-user"), cost)
	if err != nil {
		// Only an out-of-range cost fails; config validates it.
		panic(fmt.Sprintf("authpw: %v", err))
	}
	return &Service{store: users, cost: cost, dummyHash: dummy}
}

type RegisterRequest struct {
	Name     string
	Password string
	Role     string
}

// Register creates a user with a hashed password. Duplicate names fail with
// store.ErrUserExists.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return store.User{}, ErrNameRequired
	}
	hash, err := s.hash(req.Password)
	if err != nil {
		return store.User{}, err
	}
	return s.store.CreateUser(ctx, store.User{
		DisplayName:  name,
		Role:         req.Role,
		PasswordHash: hash,
	})
}

// Authenticate returns the user behind name when password matches.
func (s *Service) Authenticate(ctx context.Context, name, password string) (store.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByName(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// SetPassword replaces the password of userID.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	if err := s.store.SetUserPassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// ChangePassword verifies current before setting next.
func (s *Service) ChangePassword(ctx context.Context, name, current, next string) error {
	user, err := s.Authenticate(ctx, name, current)
	if err != nil {
		return err
	}
	return s.SetPassword(ctx, user.ID, next)
}

// Ensure creates name with password and role, or, when the user exists,
// sets the role and fills in a missing password. An existing password is
// left alone.
func (s *Service) Ensure(ctx context.Context, name, password, role string) (store.User, error) {
	user, err := s.Register(ctx, RegisterRequest{Name: name, Password: password, Role: role})
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrUserExists) {
		return store.User{}, err
	}
	user, err = s.store.GetUserByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return store.User{}, err
	}
	if user.PasswordHash == "" {
		if err := s.SetPassword(ctx, user.ID, password); err != nil {
			return store.User{}, err
		}
	}
	if user.Role != role {
		if err := s.store.SetUserRole(ctx, user.ID, role); err != nil {
			return store.User{}, err
		}
		user.Role = role
	}
	return user, nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
