package app

import (
	"errors"
	"fmt"
	"net/http"

	"baseline/api/internal/authpw"
	"baseline/api/internal/baseline"
	"baseline/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// workflowStatus maps a workflow error kind to its HTTP status and code.
func workflowStatus(kind baseline.Kind) (int, string) {
	switch kind {
	case baseline.KindValidation:
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR"
	case baseline.KindInvalidOperation:
		return http.StatusBadRequest, "INVALID_OPERATION"
	case baseline.KindConflict:
		return http.StatusConflict, "CONFLICT"
	case baseline.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case baseline.KindUnauthorized:
		return http.StatusForbidden, "FORBIDDEN"
	default:
		return http.StatusInternalServerError, "SERVER_ERROR"
	}
}

// credentialError turns account errors into their HTTP shape and passes
// anything else through.
func credentialError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid name or password", nil)
	case errors.Is(err, authpw.ErrNameRequired), errors.Is(err, authpw.ErrPasswordTooShort):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, store.ErrUserExists):
		return domainError(http.StatusConflict, "CONFLICT", "A user with that name already exists", nil)
	default:
		return err
	}
}
