// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mobiletoly/go-boatsync/model"
)

var (
	// ErrUnauthorized is returned for HTTP 401; callers must not retry blindly
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for HTTP 404
	ErrNotFound = errors.New("not found")
)

// ConflictError is returned when the server rejects a write with HTTP 409.
// Server holds the server's current copy when the response carried one.
type ConflictError struct {
	EntityType      model.EntityType
	EntityID        string
	Server          model.Entity
	ServerTimestamp model.Timestamp
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s", e.EntityType, e.EntityID)
}

// StatusError is any other non-2xx response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the request later may succeed
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// AsConflict unwraps a ConflictError
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
