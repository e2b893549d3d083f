package app

import "fmt"

// DomainError is a failure the HTTP layer can map straight onto a response:
// the status to send, a stable machine-readable code, and a message for
// humans. Everything else falls through mapError's sentinel checks.
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
