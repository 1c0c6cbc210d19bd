// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errors provides the error taxonomy shared across tracelens's
// registries and analyzers.
package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

// Kind mirrors the engine's result-code taxonomy: registry mutations and
// cubin parsing return a Kind instead of an opaque error so callers can
// branch on the outcome the way the instrumented runtime does.
type Kind int

const (
	Success Kind = iota
	NotImplemented
	NotFound
	Duplicate
	CallbackNotRegistered
	FileNotFound
	CubinParseFailed
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "SUCCESS"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case NotFound:
		return "NOT_FOUND"
	case Duplicate:
		return "DUPLICATE"
	case CallbackNotRegistered:
		return "CALLBACK_NOT_REGISTERED"
	case FileNotFound:
		return "FILE_NOT_FOUND"
	case CubinParseFailed:
		return "CUBIN_PARSE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// KindError pairs a Kind with the failing operation's context so errors.Is
// and errors.As compose with the stdlib wrapping helpers above.
type KindError struct {
	Kind Kind
	Op   string
	Err  error
}

func NewKind(kind Kind, op string, err error) *KindError {
	return &KindError{Kind: kind, Op: op, Err: err}
}

func (e *KindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// Has reports whether err carries the given Kind.
func Has(err error, kind Kind) bool {
	var kerr *KindError
	if As(err, &kerr) {
		return kerr.Kind == kind
	}
	return false
}
