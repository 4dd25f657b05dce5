package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrRunInProgress  = errors.New("reconciliation run already in progress for file")
	ErrUnknownAdapter = errors.New("unknown adapter class")
	ErrInvalidConfig  = errors.New("invalid supplier config")
	ErrCancelled      = errors.New("reconciliation run cancelled")
	ErrInvalidInput   = errors.New("invalid input")
)

// FormatError reports a settlement file that cannot be parsed at all.
// It aborts the whole run; no partial results are kept.
type FormatError struct {
	SupplierCode string
	Line         int // 0 when the error is not tied to a line
	Reason       string
	Err          error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("format error for supplier %s", e.SupplierCode)
	if e.Line > 0 {
		msg += fmt.Sprintf(" at line %d", e.Line)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// NewFormatError builds a FormatError.
func NewFormatError(supplierCode string, line int, reason string, err error) *FormatError {
	return &FormatError{SupplierCode: supplierCode, Line: line, Reason: reason, Err: err}
}

// ConnectivityError wraps a failure talking to a supplier endpoint.
// Transient network failures are retryable; auth and missing-path failures are not.
type ConnectivityError struct {
	Op        string
	Host      string
	Err       error
	Retryable bool
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsRetryable satisfies retry.RetryableError.
func (e *ConnectivityError) IsRetryable() bool { return e.Retryable }

// IsFormatError reports whether err is (or wraps) a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// IsConnectivityError reports whether err is (or wraps) a ConnectivityError.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
