package httputil

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

// StatusFor maps a governance error to an HTTP status code
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case billing.IsValidation(err):
		return http.StatusBadRequest
	case billing.IsAuthorization(err):
		return http.StatusForbidden
	case workspaces.IsQuotaExceeded(err):
		return http.StatusPaymentRequired
	case ratelimit.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case errors.Is(err, workspaces.ErrWorkspaceNotFound), errors.Is(err, billing.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspaces.ErrAlreadyExists):
		return http.StatusConflict
	case billing.IsExternalProvider(err):
		return http.StatusBadGateway
	case billing.IsUnknownEvent(err):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// WriteDomainError writes err with the status from StatusFor. Internal errors
// are not echoed to the client.
func WriteDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)

	var qe *workspaces.QuotaExceededError
	if errors.As(err, &qe) {
		WriteJSON(w, status, ErrorResponse{
			Error: qe.Error(),
			Code:  "quota_exceeded",
			Details: map[string]string{
				"resource": string(qe.Resource),
				"plan":     string(qe.Plan),
				"limit":    strconv.FormatInt(qe.Limit, 10),
				"current":  strconv.FormatInt(qe.Current, 10),
			},
		})
		return
	}

	var le *ratelimit.LimitExceededError
	if errors.As(err, &le) {
		w.Header().Set("Retry-After", strconv.FormatInt(le.RetryAfterSeconds(), 10))
		WriteJSON(w, status, ErrorResponse{
			Error: le.Error(),
			Code:  "rate_limited",
			Details: map[string]string{
				"retry_after_ms": strconv.FormatInt(le.RetryAfter.Milliseconds(), 10),
			},
		})
		return
	}

	switch status {
	case http.StatusInternalServerError:
		WriteInternalError(w)
	case http.StatusBadGateway:
		WriteErrorMessage(w, status, "payment provider unavailable, please retry")
	default:
		WriteError(w, status, err)
	}
}
