package billing

import (
	"errors"
	"fmt"
)

// ErrSubscriptionNotFound is returned when no subscription matches a provider reference
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ValidationError reports a malformed webhook or request payload
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

// AuthorizationError reports a failed tenant or role check
type AuthorizationError struct {
	WorkspaceID string
	Reason      string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized for workspace %s: %s", e.WorkspaceID, e.Reason)
}

// ExternalProviderError reports a failed payment provider API call. The caller
// may retry; nothing is retried internally.
type ExternalProviderError struct {
	Provider Provider
	Op       string
	Err      error
}

func (e *ExternalProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider.Label(), e.Op, e.Err)
}

func (e *ExternalProviderError) Unwrap() error {
	return e.Err
}

// Retryable is always true for provider failures
func (e *ExternalProviderError) Retryable() bool {
	return true
}

// UnknownEventError reports an unrecognized event type or an unknown reference.
// Webhook handlers acknowledge it as success.
type UnknownEventError struct {
	Provider  Provider
	EventType string
	Reference string
}

func (e *UnknownEventError) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("%s event %s references unknown %s", e.Provider.Label(), e.EventType, e.Reference)
	}
	return fmt.Sprintf("%s event type %s not handled", e.Provider.Label(), e.EventType)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuthorization checks if an error is an authorization error
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// IsExternalProvider checks if an error is a provider failure
func IsExternalProvider(err error) bool {
	var pe *ExternalProviderError
	return errors.As(err, &pe)
}

// IsUnknownEvent checks if an error is an unknown event error
func IsUnknownEvent(err error) bool {
	var ue *UnknownEventError
	return errors.As(err, &ue)
}
