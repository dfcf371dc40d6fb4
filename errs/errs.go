// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package errs carries the caller-visible error taxonomy of the core.
// Validation, State, Auth, and Resource errors surface to the caller with the
// offending field and are never retried. External errors are retried with
// backoff inside the chain adapter. Internal errors surface as opaque server
// errors.
package errs

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	Unknown Kind = iota
	Validation
	State
	Auth
	Resource
	External
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case State:
		return "state"
	case Auth:
		return "auth"
	case Resource:
		return "resource"
	case External:
		return "external"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and, optionally, the offending field to an underlying
// error.
type Error struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags [err] with [kind]. If [err] is already tagged, the existing tag
// wins.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// WithField tags [err] with [kind] and the name of the offending field.
func WithField(kind Kind, field string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Field: field, Err: err}
}

// Newf builds a tagged error from a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind [err] is tagged with, or Unknown.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Unknown
}

// IsKind reports whether [err] is tagged with [kind].
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
