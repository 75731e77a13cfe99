// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package stream

import "errors"

// RetryableError marks a transient handler failure. The router retries
// these with backoff before falling through to the poison queue.
type RetryableError struct {
	Message string
	Cause   error
}

// NewRetryableError wraps a transient failure.
func NewRetryableError(message string, cause error) *RetryableError {
	return &RetryableError{Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *RetryableError) Unwrap() error { return e.Cause }

// PermanentError marks a failure that no retry will fix, such as an
// unparseable payload or an event that fails validation. The router
// routes the message straight to the poison queue.
type PermanentError struct {
	Message string
	Cause   error
}

// NewPermanentError wraps a failure that retrying cannot fix.
func NewPermanentError(message string, cause error) *PermanentError {
	return &PermanentError{Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *PermanentError) Unwrap() error { return e.Cause }

// IsPermanent reports whether err is a PermanentError anywhere in its chain.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
