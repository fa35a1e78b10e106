// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a provider failure for retry and circuit decisions.
type ErrorKind int

const (
	// KindNetwork covers transport failures before any HTTP status arrived.
	// Transient: retryable.
	KindNetwork ErrorKind = iota

	// KindRateLimited is HTTP 429. Transient: retryable after backoff.
	KindRateLimited

	// KindUnavailable is HTTP 5xx or an overloaded response. Transient.
	KindUnavailable

	// KindAuth is HTTP 401/403. Permanent: never retried.
	KindAuth

	// KindMalformed is HTTP 400/422: our request was wrong. Permanent.
	KindMalformed
)

// String returns the stable kind name for logs and metric labels.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	default:
		return "network"
	}
}

// Transient reports whether failures of this kind may succeed on retry.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindNetwork, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError is the only error type clients return for provider-side
// failures. The body excerpt is already redacted via SafeLogString.
type ProviderError struct {
	// Provider is the backend name ("anthropic", "openai", "ollama").
	Provider string

	// Kind classifies the failure.
	Kind ErrorKind

	// Status is the HTTP status code, zero for network errors.
	Status int

	// Detail is a short, redacted description for logs. Never shown to users.
	Detail string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Detail)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status code to an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindMalformed
	case status >= 500:
		return KindUnavailable
	default:
		// Unexpected 3xx/4xx: treat as malformed request on our side.
		return KindMalformed
	}
}

// KindOf extracts the ErrorKind from any error chain. Errors that are not
// ProviderErrors (timeouts, cancellations, DNS failures) classify as network.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNetwork
}

// statusError builds a ProviderError from a non-200 HTTP response.
// body is the raw response body; it is redacted and truncated here.
func statusError(provider string, status int, body []byte) *ProviderError {
	detail := SafeLogString(string(body))
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	return &ProviderError{
		Provider: provider,
		Kind:     classifyStatus(status),
		Status:   status,
		Detail:   detail,
	}
}

// networkError wraps a transport-level failure.
func networkError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindNetwork, Err: err}
}
