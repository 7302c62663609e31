// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable failure code of a conversion.
type Code string

const (
	CodeInputUnavailable  = Code("InputUnavailable")
	CodeUnsupportedFormat = Code("UnsupportedFormat")
	CodeCorruptImage      = Code("CorruptImage")
	CodeInvalidGeometry   = Code("InvalidGeometry")
	CodeWriteFailure      = Code("WriteFailure")
	CodeOverloaded        = Code("Overloaded")
	CodeTimeout           = Code("Timeout")
	CodeCanceled          = Code("Canceled")
)

var (
	ErrInputUnavailable  = &Error{Code: CodeInputUnavailable}
	ErrUnsupportedFormat = &Error{Code: CodeUnsupportedFormat}
	ErrCorruptImage      = &Error{Code: CodeCorruptImage}
	ErrInvalidGeometry   = &Error{Code: CodeInvalidGeometry}
	ErrWriteFailure      = &Error{Code: CodeWriteFailure}
	ErrOverloaded        = &Error{Code: CodeOverloaded}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrCanceled          = &Error{Code: CodeCanceled}
)

// Error is the error returned by the conversion functions.
//
// errors.Is matches any *Error with the same Code, so
//
//	errors.Is(err, ErrCorruptImage)
//
// is the way to check for a failure class.
type Error struct {
	Code   Code
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Op == "" || t.Op == e.Op)
}

func newError(code Code, op string, err error, format string, args ...interface{}) *Error {
	var detail string
	if format != "" {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Op: op, Detail: detail, Err: err}
}

// CodeOf returns the Code of err, "" for nil.
// Errors not created by this package are reported as WriteFailure,
// except context errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeWriteFailure
}

// asError wraps err into an *Error with the given code, unless it already is one.
// Context errors get Timeout or Canceled.
func asError(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.Is(err, context.Canceled):
		code = CodeCanceled
	}
	return &Error{Code: code, Op: op, Err: err}
}
