// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// path parameter parsing and the translation of governance errors into HTTP
// status codes.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteBadRequest(w, "Invalid input")
//
// # Domain Errors
//
// WriteDomainError is the only place where typed errors become status codes:
//
//	ValidationError        400
//	AuthorizationError     403
//	QuotaExceededError     402 (plan, limit and current usage in the body)
//	LimitExceededError     429 with Retry-After
//	not found              404
//	ExternalProviderError  502
//	anything else          500
package httputil
