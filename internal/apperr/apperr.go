// Package apperr defines the error kinds shared across the processing
// pipeline. Callers classify failures with errors.Is / errors.As rather
// than matching message text.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrCancelled         = errors.New("cancelled")
	ErrTimeout           = errors.New("timeout")
	ErrInconsistentState = errors.New("inconsistent state")
)

// ConfigError aggregates every constraint violation found while validating
// the configuration, so a single run reports all problems at once.
type ConfigError struct {
	Violations []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Violations, "; "))
}

// DuplicateFileError is returned when ingesting a file whose content hash
// already exists in the image store.
type DuplicateFileError struct {
	Hash       string
	ExistingID int64
}

func (e *DuplicateFileError) Error() string {
	return fmt.Sprintf("duplicate file: hash %s already stored as image %d", e.Hash, e.ExistingID)
}

// ServiceErrorClass classifies external face service failures.
type ServiceErrorClass string

const (
	ServiceErrorTimeout   ServiceErrorClass = "timeout"
	ServiceErrorTransient ServiceErrorClass = "transient"
	ServiceErrorPermanent ServiceErrorClass = "permanent"
)

// ServiceError is an external face service failure with enough context for
// the caller to decide whether a retry makes sense. The client never retries
// silently.
type ServiceError struct {
	Class      ServiceErrorClass
	StatusCode int
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("face service error (%s, status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("face service error (%s): %s", e.Class, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying on a later pass.
func (e *ServiceError) Retryable() bool {
	return e.Class != ServiceErrorPermanent
}

// IsDuplicateFile reports whether err is a DuplicateFileError.
func IsDuplicateFile(err error) bool {
	var d *DuplicateFileError
	return errors.As(err, &d)
}

// IsRetryableService reports whether err is a transient or timeout service error.
func IsRetryableService(err error) bool {
	var s *ServiceError
	return errors.As(err, &s) && s.Retryable()
}
