package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// LimitExceededError is returned to callers that were denied by a Decision
type LimitExceededError struct {
	Operation  string
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d requests allowed, retry in %s",
		e.Operation, e.Limit, e.RetryAfter.Round(time.Millisecond))
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one
func (e *LimitExceededError) RetryAfterSeconds() int64 {
	secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// IsLimitExceeded reports whether err is a *LimitExceededError
func IsLimitExceeded(err error) bool {
	var e *LimitExceededError
	return errors.As(err, &e)
}

// Err returns the error for a denied decision, nil when allowed
func (d *Decision) Err(operation string) error {
	if d.Allowed {
		return nil
	}
	return &LimitExceededError{Operation: operation, Limit: d.Limit, RetryAfter: d.RetryAfter}
}
