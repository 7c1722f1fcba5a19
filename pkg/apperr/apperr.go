// Package apperr classifies failures so callers can decide whether to retry
// and how to report them.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindTransient  Kind = "transient"
	KindValidation Kind = "validation"
	KindCancelled  Kind = "cancelled"
	KindInternal   Kind = "internal"
)

// Error carries the failing unit and stage alongside the cause.
type Error struct {
	Kind  Kind
	Stage string
	Unit  string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Unit != "" && e.Stage != "":
		return fmt.Sprintf("%s %s failed (%s): %v", e.Unit, e.Stage, e.Kind, e.Err)
	case e.Stage != "":
		return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrTimeout marks a collaborator call that did not answer in time.
	ErrTimeout = errors.New("collaborator timed out")
	// ErrRateLimited marks a collaborator throttling response.
	ErrRateLimited = errors.New("collaborator rate limited")
	// ErrUnavailable marks a collaborator that is down or refusing connections.
	ErrUnavailable = errors.New("collaborator unavailable")
)

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Err: err}
}

// At attaches the unit and stage to err, keeping an existing classification.
func At(err error, unit, stage string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Stage: stage, Unit: unit, Err: err}
}

// KindOf reports the classification of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrUnavailable):
		return KindTransient
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// Failure is the user-visible form of an error. Message never includes the
// wrapped collaborator error text.
type Failure struct {
	Unit    string `json:"unit"`
	Stage   string `json:"stage"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func ToFailure(err error, unit, stage string) *Failure {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Unit != "" {
			unit = ae.Unit
		}
		if ae.Stage != "" {
			stage = ae.Stage
		}
	}
	kind := KindOf(err)
	return &Failure{
		Unit:    unit,
		Stage:   stage,
		Kind:    kind,
		Message: messageFor(kind, stage),
	}
}

func messageFor(kind Kind, stage string) string {
	switch kind {
	case KindTransient:
		return fmt.Sprintf("%s did not complete: collaborator unavailable after retries", stage)
	case KindValidation:
		return fmt.Sprintf("%s rejected invalid input", stage)
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("%s failed", stage)
	}
}
