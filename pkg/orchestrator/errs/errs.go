// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs is the stable error-kind vocabulary shared by every
// orchestrator component. RPC and HTTP handlers type-switch on Kind (via
// errors.As) instead of matching error strings, and retry loops consult
// IsRetryable instead of hardcoding which kinds deserve another attempt.
//
// The shape follows pkg/httpclient's RetryableError: a typed error wrapping
// an optional cause, carrying enough structure for a caller several layers
// up to make a decision without parsing a message.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the stable error categories surfaced across the RPC and
// HTTP APIs.
type Kind string

const (
	NotFound            Kind = "not_found"
	NotAuthorized       Kind = "not_authorized"
	InvalidState        Kind = "invalid_state"
	ValidationFailed    Kind = "validation_failed"
	DuplicateDetected   Kind = "duplicate_detected"
	CapacityExceeded    Kind = "capacity_exceeded"
	ExternalUnavailable Kind = "external_unavailable"
	Timeout             Kind = "timeout"
	Conflict            Kind = "conflict"
)

// Error is the typed error carried across every orchestrator boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the propagation policy says this
// kind deserves internal retry with backoff before surfacing to the caller.
// NotAuthorized is never retried; short Timeout and ExternalUnavailable are.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case ExternalUnavailable, Timeout:
		return true
	default:
		return false
	}
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err (or something it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
