package store

import "fmt"

// NotFoundError indicates the resource does not exist for the tenant.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a state conflict, for example replaying an event
// that is not quarantined.
type ConflictError struct {
	Message string
	Code    string
	Details map[string]any
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates the caller may not act on the resource.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	if e.Reason == "" {
		return "forbidden"
	}
	return "forbidden: " + e.Reason
}
