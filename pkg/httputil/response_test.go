package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusCreated, map[string]string{"key": "value"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "value", body["key"])
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", &billing.ValidationError{Field: "status", Reason: "required"}, http.StatusBadRequest},
		{"authorization", &billing.AuthorizationError{WorkspaceID: "ws", Reason: "mismatch"}, http.StatusForbidden},
		{"quota", &workspaces.QuotaExceededError{Resource: workspaces.ResourceLocations, Plan: plans.Pro, Current: 5, Limit: 5}, http.StatusPaymentRequired},
		{"workspace missing", workspaces.ErrWorkspaceNotFound, http.StatusNotFound},
		{"subscription missing", billing.ErrSubscriptionNotFound, http.StatusNotFound},
		{"duplicate id", fmt.Errorf("location loc_1: %w", workspaces.ErrAlreadyExists), http.StatusConflict},
		{"provider", &billing.ExternalProviderError{Provider: billing.ProviderStripe, Op: "get", Err: errors.New("timeout")}, http.StatusBadGateway},
		{"unknown event", &billing.UnknownEventError{Provider: billing.ProviderPayPal, EventType: "x", Reference: "I-1"}, http.StatusOK},
		{"wrapped quota", errors.Join(errors.New("ctx"), &workspaces.QuotaExceededError{Resource: workspaces.ResourceSeats}), http.StatusPaymentRequired},
		{"rate limited", &ratelimit.LimitExceededError{Operation: "generate", Limit: 10}, http.StatusTooManyRequests},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusFor(tt.err))
		})
	}
}

func TestWriteDomainError_Quota(t *testing.T) {
	w := httptest.NewRecorder()
	WriteDomainError(w, &workspaces.QuotaExceededError{
		Resource: workspaces.ResourceGenerations,
		Plan:     plans.Pro,
		Current:  1000,
		Limit:    1000,
	})

	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "quota_exceeded", body.Code)
	assert.Equal(t, "PRO", body.Details["plan"])
	assert.Equal(t, "1000", body.Details["limit"])
	assert.Equal(t, "1000", body.Details["current"])
	assert.Contains(t, body.Error, "1000")
}

func TestWriteDomainError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteDomainError(w, errors.New("pq: connection refused to 10.0.0.3"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.3")
}

func TestWriteDomainError_RateLimited(t *testing.T) {
	w := httptest.NewRecorder()
	WriteDomainError(w, &ratelimit.LimitExceededError{Operation: "generate", Limit: 10, RetryAfter: 1500 * time.Millisecond})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Code)
	assert.Equal(t, "1500", body.Details["retry_after_ms"])
}
