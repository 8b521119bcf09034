/*
 * Copyright 2024 The jmpapi Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jmpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// httpStatuser is implemented by every error type in this taxonomy; it is
// the sole place an error is mapped onto an HTTP status.
type httpStatuser interface {
	error
	httpStatus() int
}

type taggedError struct {
	status int
	msg    string
	cause  error
}

func (e *taggedError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *taggedError) httpStatus() int { return e.status }
func (e *taggedError) Unwrap() error   { return e.cause }

func newTagged(status int, msg string, cause error) *taggedError {
	return &taggedError{status: status, msg: msg, cause: cause}
}

// ParseError: 400 Bad Request.
func NewParseError(msg string, cause error) error { return newTagged(http.StatusBadRequest, msg, cause) }

// ValidationError: 400 Bad Request.
func NewValidationError(msg string, cause error) error {
	return newTagged(http.StatusBadRequest, msg, cause)
}

// KeyError: 404 Not Found.
func NewKeyError(msg string, cause error) error { return newTagged(http.StatusNotFound, msg, cause) }

// AccessDeniedError: 401 Unauthorized.
func NewAccessDeniedError(msg string) error {
	return newTagged(http.StatusUnauthorized, msg, nil)
}

// ConflictError: 409 Conflict.
func NewConflictError(msg string, cause error) error {
	return newTagged(http.StatusConflict, msg, cause)
}

// BodyTooLargeError: 413 Payload Too Large.
func NewBodyTooLargeError(msg string) error {
	return newTagged(http.StatusRequestEntityTooLarge, msg, nil)
}

// UnsupportedMethodError: 405 Method Not Allowed.
func NewUnsupportedMethodError(msg string) error {
	return newTagged(http.StatusMethodNotAllowed, msg, nil)
}

// UpstreamError: 502 Bad Gateway (OAuth2, DB connect).
func NewUpstreamError(msg string, cause error) error {
	return newTagged(http.StatusBadGateway, msg, cause)
}

// TimeoutError: 504 Gateway Timeout.
func NewTimeoutError(msg string, cause error) error {
	return newTagged(http.StatusGatewayTimeout, msg, cause)
}

// NotImplementedError: 501 Not Implemented.
func NewNotImplementedError(msg string) error {
	return newTagged(http.StatusNotImplemented, msg, nil)
}

// statusOf maps any error to an HTTP status, defaulting to 500 for
// anything not part of the taxonomy above (the "Other / internal" row).
func statusOf(err error) int {
	if hs, ok := err.(httpStatuser); ok {
		return hs.httpStatus()
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError is the single error boundary described in spec section 4.2/7:
// it maps err to a status, logs the full cause chain, and writes either a
// JSON or a plain-text body depending on what the request declared.
func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	status := statusOf(err)
	logger.Error().Err(err).Int("status", status).Msg("request failed")

	ct := r.Header.Get("Content-Type")
	wantsJSON := strings.HasPrefix(ct, "application/json") || r.Header.Get("Accept") == "application/json"
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if wantsJSON {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorBody{
			Code:  status,
			Error: http.StatusText(status),
			// only the top message is exposed to the client; the full
			// chain went to the logger above.
			Message: topMessage(err),
		})
		return
	}
	http.Error(w, strconv.Itoa(status)+" "+http.StatusText(status), status)
}

// topMessage strips any wrapped cause, returning just the message the
// error itself contributed.
func topMessage(err error) string {
	if te, ok := err.(*taggedError); ok {
		return te.msg
	}
	return err.Error()
}
