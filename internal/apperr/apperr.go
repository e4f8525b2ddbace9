// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed configuration before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidRangeError rejects a humanized-delay range outside [1,300]
// seconds or with min above max.
type InvalidRangeError struct {
	Min int
	Max int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid delay range [%d,%d]: bounds must satisfy 1 <= min <= max <= 300", e.Min, e.Max)
}

// TransientSendError is a per-contact, retryable failure (timeout,
// throttling). It consumes one attempt.
type TransientSendError struct {
	Code    string
	Message string
}

func (e *TransientSendError) Error() string {
	return fmt.Sprintf("transient send error (%s): %s", e.Code, e.Message)
}

// PermanentSendError is a per-contact failure that retrying cannot fix
// (invalid recipient, blocked number).
type PermanentSendError struct {
	Code    string
	Message string
}

func (e *PermanentSendError) Error() string {
	return fmt.Sprintf("permanent send error (%s): %s", e.Code, e.Message)
}

// ProviderUnavailableError means the sending capability itself is down,
// not one recipient. It pauses the campaign instead of draining the
// queue into guaranteed failures.
type ProviderUnavailableError struct {
	Message string
}

func (e *ProviderUnavailableError) Error() string {
	return "provider unavailable: " + e.Message
}

// ConcurrencyError rejects a second dispatcher activation for a
// campaign that already has one.
type ConcurrencyError struct {
	CampaignID int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("campaign %d already has an active dispatcher", e.CampaignID)
}

// InvalidStateTransitionError rejects an operation not valid from the
// campaign's current status.
type InvalidStateTransitionError struct {
	CampaignID int
	From       string
	Op         string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s campaign %d from status %q", e.Op, e.CampaignID, e.From)
}

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Kind string
	ID   int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %d not found", e.Kind, e.ID)
}

func NewCampaignNotFound(id int) error {
	return &NotFoundError{Kind: "campaign", ID: id}
}

// ErrorType returns the taxonomy label recorded on failed contacts and
// surfaced in progress snapshots.
func ErrorType(err error) string {
	var (
		transient   *TransientSendError
		permanent   *PermanentSendError
		unavailable *ProviderUnavailableError
	)
	switch {
	case errors.As(err, &transient):
		return "transient"
	case errors.As(err, &permanent):
		return "permanent"
	case errors.As(err, &unavailable):
		return "provider_unavailable"
	default:
		return "unknown"
	}
}

func IsTransient(err error) bool {
	var e *TransientSendError
	return errors.As(err, &e)
}

func IsProviderUnavailable(err error) bool {
	var e *ProviderUnavailableError
	return errors.As(err, &e)
}
