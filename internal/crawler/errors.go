package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is returned when an item with the same identity already exists.
	ErrDuplicate = errors.New("duplicate item")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrBlocked is returned when a site keeps rejecting requests after escalation.
	ErrBlocked = errors.New("blocked by target site")
	// ErrVerificationFailed is returned when the browser could not establish a verified session.
	ErrVerificationFailed = errors.New("session verification failed")
	// ErrSpiderNotFound is returned when no spider has the requested name.
	ErrSpiderNotFound = errors.New("spider not found")
	// ErrSpiderInactive is returned when a spider exists but is disabled.
	ErrSpiderInactive = errors.New("spider is inactive")
	// ErrStopped is returned when a run was asked to stop before work began.
	ErrStopped = errors.New("run stopped")
	// ErrTierUnavailable is returned when a proxy tier has no configured endpoint.
	ErrTierUnavailable = errors.New("proxy tier not configured")
)

// HTTPStatusError reports a response status that the caller treats as a failure.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// ConfigError describes an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
