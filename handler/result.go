// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"errors"
	"fmt"

	"github.com/mobiletoly/go-boatsync/conflict"
	"github.com/mobiletoly/go-boatsync/model"
)

// Result is the outcome of a sync operation. Handlers report failures here
// instead of returning errors.
type Result struct {
	Success       bool
	SyncedCount   int
	ConflictCount int
	Errors        []error

	// Conflicts holds unresolved conflicts collected under the interactive policy
	Conflicts []*conflict.Conflict
	// Deferred is set when the operation was skipped for lack of connectivity
	Deferred bool
}

// OK returns an empty successful result
func OK() Result { return Result{Success: true} }

// Merge folds two results: success only if both succeeded, counts summed
func (r Result) Merge(o Result) Result {
	return Result{
		Success:       r.Success && o.Success,
		SyncedCount:   r.SyncedCount + o.SyncedCount,
		ConflictCount: r.ConflictCount + o.ConflictCount,
		Errors:        append(append([]error(nil), r.Errors...), o.Errors...),
		Conflicts:     append(append([]*conflict.Conflict(nil), r.Conflicts...), o.Conflicts...),
		Deferred:      r.Deferred && o.Deferred,
	}
}

func (r *Result) fail(err error) {
	r.Success = false
	r.Errors = append(r.Errors, err)
}

// Err joins the collected errors, or returns nil
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// ValidationError rejects a local mutation. It is returned to the caller and never queued.
type ValidationError struct {
	EntityType model.EntityType
	EntityID   string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s %s: %s", e.EntityType, e.EntityID, e.Reason)
	}
	return fmt.Sprintf("invalid %s %s: %s %s", e.EntityType, e.EntityID, e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(e model.Entity, field, reason string) error {
	return &ValidationError{EntityType: e.Type(), EntityID: e.Base().ID, Field: field, Reason: reason}
}

// PendingConflictError is returned when delivering a change produced a
// conflict held for an interactive decision
type PendingConflictError struct {
	Conflict *conflict.Conflict
}

func (e *PendingConflictError) Error() string {
	return fmt.Sprintf("%s %s awaits conflict resolution", e.Conflict.EntityType, e.Conflict.EntityID)
}
