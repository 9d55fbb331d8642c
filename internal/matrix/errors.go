// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package matrix holds the Matrix client-server wire vocabulary shared by
// every HTTP surface of the proxy: error codes, the {errcode, error} JSON
// envelope and response helpers.
package matrix

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Matrix error codes surfaced by the proxy. M_* codes are defined by the
// client-server spec; F_* codes are Famedly extensions.
const (
	ErrCodeNotJSON       = "M_NOT_JSON"
	ErrCodeBadJSON       = "M_BAD_JSON"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeMissingToken  = "M_MISSING_TOKEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeUnauthorized  = "M_UNAUTHORIZED"
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeTokenInactive = "F_TOKEN_INACTIVE"
)

// Error is the structured {errcode, error} payload every failing endpoint
// returns. It also satisfies the error interface so handlers can pass it
// through internal call chains.
type Error struct {
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.ErrCode + ": " + e.Message
}

// NewError constructs a Matrix wire error.
func NewError(code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// Common errors returned verbatim by several endpoints.
var (
	ErrNotJSON            = NewError(ErrCodeNotJSON, "Request did not contain valid JSON")
	ErrBadJSON            = NewError(ErrCodeBadJSON, "Bad JSON")
	ErrUnknownSession     = NewError(ErrCodeUnrecognized, "Unknown session")
	ErrMissingToken       = NewError(ErrCodeMissingToken, "Missing access token")
	ErrUnknownToken       = NewError(ErrCodeUnknownToken, "Unknown access token")
	ErrBackendUnreachable = NewError(ErrCodeUnknown, "Backend unreachable")
	ErrLimitExceeded      = NewError(ErrCodeLimitExceeded, "Too many requests")
)

// RespondJSON writes v as a JSON response body with the given status.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Nothing sensible to do about a failed write to the client
	json.NewEncoder(w).Encode(v)
}

// RespondError writes a Matrix error envelope with the given status.
func RespondError(w http.ResponseWriter, status int, err *Error) {
	RespondJSON(w, status, err)
}
