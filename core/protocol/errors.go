// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

package protocol

import (
	"errors"
	"fmt"
)

// Category classifies an RPC failure.  Categories are internal to this
// implementation; only the signer's wire error strings travel on the
// wire.
type Category int

const (
	CategoryNone Category = iota
	CategoryInvalidArgument
	CategoryInvalidURI
	CategoryNotConnected
	CategoryEncryptFailed
	CategoryDecryptFailed
	CategoryTimeout
	CategoryCancelled
	CategorySignerError
	CategoryMethodNotSupported
	CategoryForbidden
	CategoryDenied
	CategoryNoMatchingReply
)

func (c Category) String() string {
	switch c {
	case CategoryInvalidArgument:
		return "invalid_argument"
	case CategoryInvalidURI:
		return "invalid_uri"
	case CategoryNotConnected:
		return "not_connected"
	case CategoryEncryptFailed:
		return "encrypt_failed"
	case CategoryDecryptFailed:
		return "decrypt_failed"
	case CategoryTimeout:
		return "timeout"
	case CategoryCancelled:
		return "cancelled"
	case CategorySignerError:
		return "signer_error"
	case CategoryMethodNotSupported:
		return "method_not_supported"
	case CategoryForbidden:
		return "forbidden"
	case CategoryDenied:
		return "denied"
	case CategoryNoMatchingReply:
		return "no_matching_reply"
	default:
		return "none"
	}
}

// Error wraps an underlying failure with its protocol category.
type Error struct {
	Cat Category
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Cat.String()
	}
	return fmt.Sprintf("%s: %v", e.Cat, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two protocol errors by category alone.
func (e *Error) Is(target error) bool {
	var pe *Error
	if errors.As(target, &pe) {
		return pe.Cat == e.Cat
	}
	return false
}

func newError(c Category, f string, a ...interface{}) error {
	return &Error{Cat: c, Err: fmt.Errorf(f, a...)}
}

// WrapError attaches a category to an existing error, preserving the
// chain for errors.Is/As.
func WrapError(c Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Cat: c, Err: err}
}

// ErrorCategory extracts the category from err, or CategoryNone when err
// carries no protocol classification.
func ErrorCategory(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Cat
	}
	return CategoryNone
}

func NewInvalidArgumentError(f string, a ...interface{}) error {
	return newError(CategoryInvalidArgument, f, a...)
}

func NewInvalidURIError(f string, a ...interface{}) error {
	return newError(CategoryInvalidURI, f, a...)
}

func NewNotConnectedError(f string, a ...interface{}) error {
	return newError(CategoryNotConnected, f, a...)
}

func NewEncryptFailedError(f string, a ...interface{}) error {
	return newError(CategoryEncryptFailed, f, a...)
}

func NewDecryptFailedError(f string, a ...interface{}) error {
	return newError(CategoryDecryptFailed, f, a...)
}

func NewTimeoutError(f string, a ...interface{}) error {
	return newError(CategoryTimeout, f, a...)
}

func NewCancelledError(f string, a ...interface{}) error {
	return newError(CategoryCancelled, f, a...)
}

// NewSignerError carries the non-empty error string a signer returned.
func NewSignerError(wireMsg string) error {
	switch wireMsg {
	case WireErrForbidden:
		return newError(CategoryForbidden, "%s", wireMsg)
	case WireErrDenied:
		return newError(CategoryDenied, "%s", wireMsg)
	case WireErrMethodNotSupported:
		return newError(CategoryMethodNotSupported, "%s", wireMsg)
	default:
		return newError(CategorySignerError, "%s", wireMsg)
	}
}

func NewNoMatchingReplyError(f string, a ...interface{}) error {
	return newError(CategoryNoMatchingReply, f, a...)
}
