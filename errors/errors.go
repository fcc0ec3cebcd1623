// Copyright 2026 The Menmos Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	"fmt"
	"net/http"
)

// Kind classifies an error at the layer that first observes it. Upper
// layers propagate the kind unchanged.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindBadRequest          Kind = "bad_request"
	KindConflict            Kind = "conflict"
	KindNoCapacity          Kind = "no_capacity"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindStorageFailure      Kind = "storage_failure"
	KindCorrupted           Kind = "corrupted"
)

var statusOfKind = map[Kind]int{
	KindUnauthorized:        http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindBadRequest:          http.StatusBadRequest,
	KindConflict:            http.StatusConflict,
	KindNoCapacity:          http.StatusServiceUnavailable,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindStorageFailure:      http.StatusInternalServerError,
	KindCorrupted:           http.StatusInternalServerError,
}

var (
	ErrUnauthorized = New(KindUnauthorized, "invalid credentials")
	ErrForbidden    = New(KindForbidden, "operation not permitted")

	ErrBlobNotFound = New(KindNotFound, "blob does not exist")
	ErrNodeNotFound = New(KindNotFound, "storage node does not exist")
	ErrUserNotFound = New(KindNotFound, "user does not exist")

	ErrBadExpression = New(KindBadRequest, "malformed query expression")
	ErrBadArgument   = New(KindBadRequest, "invalid argument")

	ErrUserExists    = New(KindConflict, "user already exists")
	ErrParentMissing = New(KindConflict, "parent blob does not exist")
	ErrParentCycle   = New(KindConflict, "parent chain forms a cycle")
	ErrParentOwner   = New(KindConflict, "parent is owned by another user")
	ErrHasChildren   = New(KindConflict, "blob still has children")

	ErrNoCapacity          = New(KindNoCapacity, "no storage node can hold the blob")
	ErrUpstreamUnavailable = New(KindUpstreamUnavailable, "storage node unreachable")

	ErrRejectedGrant  = New(KindForbidden, "grant rejected")
	ErrInvalidSession = New(KindUnauthorized, "invalid session")

	ErrCorrupted = New(KindCorrupted, "metadata store is corrupted")
)

// Error is the kinded error carried across layers. It implements the
// rpc.HTTPError contract so the HTTP layer can surface it directly.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg, cause: err}
}

// Storage marks err as a storage failure, keeping the cause.
func Storage(err error) *Error {
	return &Error{kind: KindStorageFailure, msg: "storage failure", cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Unwrap() error { return e.cause }

// Is matches on kind so sentinel comparisons survive wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// StatusCode implements rpc.HTTPError.
func (e *Error) StatusCode() int {
	if code, ok := statusOfKind[e.kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// ErrorCode implements rpc.HTTPError.
func (e *Error) ErrorCode() string { return string(e.kind) }

// KindOf extracts the kind of err, unwrapping as needed. Unclassified
// errors report as storage failures so nothing is silently swallowed.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindStorageFailure
}

// StatusOf maps err to its HTTP status per the kind table.
func StatusOf(err error) int {
	return statusOfKind[KindOf(err)]
}
