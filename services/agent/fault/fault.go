// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fault defines the error taxonomy for the agent pipeline.
//
// Every failure that can reach a user is classified into a Kind, and
// UserMessage renders the normalized human-readable form. Raw transport
// errors, stack traces, and provider JSON never cross this boundary.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindUnknown covers unclassified internal errors.
	KindUnknown Kind = iota

	// KindClassificationTimeout means the model-backed classifier did not
	// answer within its budget. Callers fail open to conversational.
	KindClassificationTimeout

	// KindToolNotFound means fuzzy resolution found no entry above the
	// acceptance threshold, or a tool name did not exist.
	KindToolNotFound

	// KindProviderUnavailable means the circuit is open or retries were
	// exhausted against every configured backend.
	KindProviderUnavailable

	// KindProviderAuth means the provider rejected our credentials.
	// Never retried.
	KindProviderAuth

	// KindStepExecution means a workflow step failed; later steps were
	// not attempted.
	KindStepExecution

	// KindConcurrencyRejected means the governor refused admission.
	// No partial work was performed.
	KindConcurrencyRejected

	// KindInvalidArgument covers malformed requests and bad user input.
	// Surfaced immediately, no retry.
	KindInvalidArgument
)

// String returns the stable name of the kind, for logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindClassificationTimeout:
		return "classification_timeout"
	case KindToolNotFound:
		return "tool_not_found"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindProviderAuth:
		return "provider_auth"
	case KindStepExecution:
		return "step_execution"
	case KindConcurrencyRejected:
		return "concurrency_rejected"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// Fault is an error carrying a Kind and an optional wrapped cause.
//
// Thread Safety: Immutable after construction.
type Fault struct {
	kind Kind
	msg  string
	err  error
}

// New creates a Fault with no underlying cause.
func New(kind Kind, msg string) *Fault {
	return &Fault{kind: kind, msg: msg}
}

// Newf creates a Fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault wrapping err. Returns nil when err is nil.
func Wrap(kind Kind, msg string, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{kind: kind, msg: msg, err: err}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %s: %v", f.kind, f.msg, f.err)
	}
	return fmt.Sprintf("%s: %s", f.kind, f.msg)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (f *Fault) Unwrap() error { return f.err }

// Kind returns the fault's classification.
func (f *Fault) Kind() Kind { return f.kind }

// KindOf extracts the Kind from any error. Non-Fault errors (including
// wrapped chains without a Fault) report KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	return KindUnknown
}

// Retryable reports whether errors of this kind are transient enough to
// retry locally. Logical errors and auth failures are not.
func (k Kind) Retryable() bool {
	switch k {
	case KindProviderUnavailable, KindClassificationTimeout:
		return true
	default:
		return false
	}
}

// UserMessage renders the normalized, user-visible form of err.
//
// Description:
//
//	Every kind maps to a fixed phrasing. The wrapped cause is never
//	included: transport errors, TLS internals, and provider payloads stay
//	in the logs. Unknown errors get a generic apology.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindClassificationTimeout:
		return "I couldn't work out what you meant in time, so I treated that as conversation."
	case KindToolNotFound:
		return "I couldn't find anything matching that name here."
	case KindProviderUnavailable:
		return "The language model service is having trouble right now. Please try again shortly."
	case KindProviderAuth:
		return "The language model credentials were rejected. Check the configured API key."
	case KindStepExecution:
		return "One of the steps failed, so I stopped there. Partial results are included above."
	case KindConcurrencyRejected:
		return "The system is busy right now. Please retry in a moment."
	case KindInvalidArgument:
		return "That request wasn't something I could act on as written."
	default:
		return "Something went wrong handling that request."
	}
}
