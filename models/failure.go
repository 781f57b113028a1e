package models

import (
	"errors"
	"fmt"
)

// FailureKind classifies everything that can go wrong on a single tick.
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureHTTP              FailureKind = "http_error"
	FailureParse             FailureKind = "parse_error"
	FailureSchema            FailureKind = "schema_mismatch"
	FailureInsufficientDepth FailureKind = "insufficient_depth"
	FailureIO                FailureKind = "io_error"
)

// Failure is a typed per-stream, per-tick error. Failures are transient by
// definition: the next scheduled tick is the retry.
type Failure struct {
	Kind   FailureKind
	Stream StreamKind
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Stream, f.Kind)
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure builds a Failure without a wrapped cause.
func NewFailure(kind FailureKind, stream StreamKind, detail string) *Failure {
	return &Failure{Kind: kind, Stream: stream, Detail: detail}
}

// WrapFailure builds a Failure around an underlying error.
func WrapFailure(kind FailureKind, stream StreamKind, detail string, err error) *Failure {
	return &Failure{Kind: kind, Stream: stream, Detail: detail, Err: err}
}

// KindOf extracts the failure kind from an error chain. Errors that are not
// Failures report as io_error, the catch-all for unexpected faults.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureIO
}
