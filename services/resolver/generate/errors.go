// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the two generation paths. The orchestrating engine
// maps these onto its caller-facing error taxonomy.
var (
	// ErrSchemaValidation means a candidate referenced tables or columns
	// absent from the schema, or violated dialect constraints.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrCompletionMalformed means the completion collaborator returned
	// output that does not decode against the requested schema.
	ErrCompletionMalformed = errors.New("completion output malformed")

	// ErrCompletionRefused means the completion collaborator declined.
	ErrCompletionRefused = errors.New("completion refused")

	// ErrFastPathFailed means the deterministic path exhausted its retries.
	// A signal to escalate to the fallback loop, never a hard failure.
	ErrFastPathFailed = errors.New("fast path failed")

	// ErrFallbackExhausted means the agentic loop hit its round or
	// wall-clock limit without a validated query.
	ErrFallbackExhausted = errors.New("fallback loop exhausted")
)

// SchemaValidationError lists the concrete problems found in a candidate.
type SchemaValidationError struct {
	// Problems are the individual validation failures, in check order.
	Problems []string
}

// Error implements the error interface.
func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrSchemaValidation, strings.Join(e.Problems, "; "))
}

// Is makes errors.Is(err, ErrSchemaValidation) hold.
func (e *SchemaValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

// PathError carries the diagnostics of an exhausted generation path.
type PathError struct {
	// Sentinel is the terminal sentinel (ErrFastPathFailed or
	// ErrFallbackExhausted).
	Sentinel error

	// Attempts is how many candidates or rounds were consumed.
	Attempts int

	// History lists per-attempt failure descriptions, oldest first.
	History []string
}

// Error implements the error interface.
func (e *PathError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %s", e.Sentinel, e.Attempts, strings.Join(e.History, " | "))
}

// Unwrap exposes the sentinel to errors.Is.
func (e *PathError) Unwrap() error {
	return e.Sentinel
}
