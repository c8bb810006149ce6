// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/meridian/services/llm"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorCode classifies resolution failures for callers and for the
// engine's own routing decisions.
type ErrorCode string

const (
	// ErrCodeContextIncomplete means the context snapshot lacks required
	// fields. Routes to the fallback loop, not surfaced as a hard error
	// unless the fallback also fails.
	ErrCodeContextIncomplete ErrorCode = "context_incomplete"

	// ErrCodeSchemaValidationFailed means a generated candidate referenced
	// tables or columns absent from the schema. Retryable within a path.
	ErrCodeSchemaValidationFailed ErrorCode = "schema_validation_failed"

	// ErrCodeCompletionMalformed means the completion collaborator returned
	// unparsable structured output. Retryable within a path.
	ErrCodeCompletionMalformed ErrorCode = "completion_malformed"

	// ErrCodeExecutionTimeout means a query or pipeline execution exceeded
	// its deadline.
	ErrCodeExecutionTimeout ErrorCode = "execution_timeout"

	// ErrCodeExecutionFailed means a query or pipeline execution failed
	// for a reason other than its deadline.
	ErrCodeExecutionFailed ErrorCode = "execution_failed"

	// ErrCodeExecutionEmptyResult marks a valid zero-row outcome. Not
	// fatal: the resolution succeeds with a heavily discounted confidence.
	ErrCodeExecutionEmptyResult ErrorCode = "execution_empty_result"

	// ErrCodeFallbackExhausted means the agentic loop hit its round or
	// wall-clock limit without producing a validated query.
	ErrCodeFallbackExhausted ErrorCode = "fallback_exhausted"

	// ErrCodeFieldUnmatched means no matcher tier cleared the accept
	// threshold for a placeholder.
	ErrCodeFieldUnmatched ErrorCode = "field_unmatched"
)

// ResolverError is the structured failure surfaced across the engine
// boundary.
//
// Description:
//
//	Carries a stable code, a human-readable message, a retryability hint,
//	and diagnostics (attempted query text, round counts, last validation
//	error). Diagnostics are redacted before the error is constructed so a
//	connection string or API key can never reach a caller or a log line.
//
// Thread Safety: Immutable after construction.
type ResolverError struct {
	// Code classifies the failure.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Retryable hints whether the same request might succeed if repeated.
	Retryable bool

	// Diagnostics carries debugging detail: attempted query text, rounds
	// used, last validation error. Already redacted.
	Diagnostics []string

	// cause is the wrapped underlying error, if any.
	cause error
}

// NewResolverError constructs a ResolverError.
func NewResolverError(code ErrorCode, message string, retryable bool) *ResolverError {
	return &ResolverError{Code: code, Message: message, Retryable: retryable}
}

// Error implements the error interface.
func (e *ResolverError) Error() string {
	return fmt.Sprintf("resolver: %s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *ResolverError) Unwrap() error {
	return e.cause
}

// Is matches ResolverErrors by code, so callers can test against a
// template error without depending on message text.
func (e *ResolverError) Is(target error) bool {
	var re *ResolverError
	if !errors.As(target, &re) {
		return false
	}
	return e.Code == re.Code
}

// WithCause attaches a wrapped underlying error.
func (e *ResolverError) WithCause(cause error) *ResolverError {
	e.cause = cause
	return e
}

// WithDiagnostics appends redacted diagnostic lines.
func (e *ResolverError) WithDiagnostics(lines ...string) *ResolverError {
	e.Diagnostics = append(e.Diagnostics, llm.RedactAll(lines)...)
	return e
}

// CodeOf extracts the ErrorCode from any error in the chain. Returns an
// empty code when no ResolverError is present.
func CodeOf(err error) ErrorCode {
	var re *ResolverError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsRetryable reports whether any ResolverError in the chain is marked
// retryable.
func IsRetryable(err error) bool {
	var re *ResolverError
	return errors.As(err, &re) && re.Retryable
}
