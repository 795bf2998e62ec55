package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func validationError(format string, args ...any) *DomainError {
	return &DomainError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) *DomainError {
	return &DomainError{Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func ownershipError(format string, args ...any) *DomainError {
	return &DomainError{Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}
