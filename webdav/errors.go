// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Copyright (C) 2022  Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package webdav

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrConfirmationFailed is mapped to 412 by statusCode; Registry does not
	// return it.
	ErrConfirmationFailed = errors.New("webdav: confirmation failed")
	// ErrForbidden is mapped to 403 by statusCode; Registry does not return it.
	ErrForbidden = errors.New("webdav: forbidden")
	// ErrLocked is mapped to 423 by statusCode; Registry does not return it.
	ErrLocked = errors.New("webdav: locked")
	// ErrNoSuchLock is returned by Registry's Refresh and Remove methods.
	ErrNoSuchLock = errors.New("webdav: no such lock")

	// ErrNotFound mirrors the resource backend's "does not exist" outcome.
	ErrNotFound = errors.New("webdav: not found")
	// ErrExist mirrors the resource backend's "already exists" outcome.
	ErrExist = errors.New("webdav: already exists")
)

// StatusError pairs an HTTP status code with the cause that produced it. The
// dispatcher (§4.6) maps component errors to a wire status by unwrapping to
// a *StatusError when present, and otherwise falls back to 500.
type StatusError struct {
	Code  int
	Cause error
}

func (e *StatusError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("webdav: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("webdav: %d %s: %v", e.Code, http.StatusText(e.Code), e.Cause)
}

func (e *StatusError) Unwrap() error {
	return e.Cause
}

// Status wraps err (which may be nil) as a StatusError with the given code.
func Status(code int, err error) error {
	return &StatusError{Code: code, Cause: err}
}

// Statusf wraps a formatted cause as a StatusError with the given code.
func Statusf(code int, format string, args ...interface{}) error {
	return &StatusError{Code: code, Cause: pkgerrors.Errorf(format, args...)}
}

// statusCode extracts the HTTP status carried by err, defaulting to 500.
func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExist):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrLocked):
		return http.StatusLocked
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNoSuchLock):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrConfirmationFailed):
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}
