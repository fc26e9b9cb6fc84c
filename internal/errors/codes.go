// Package errors provides structured, machine-readable error handling
// for the runtime's boundary contracts.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeNotFound indicates a missing handler, event, or schema version.
	CodeNotFound Code = "NOT_FOUND"

	// CodeValidation indicates a malformed schema, handler upload, or command payload.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeBreakingChange indicates a schema change that would invalidate existing data.
	CodeBreakingChange Code = "BREAKING_CHANGE"

	// CodeRejected indicates a business-rule refusal by a handler. Not a system fault.
	CodeRejected Code = "REJECTED_BY_HANDLER"

	// CodeConflict indicates an optimistic-concurrency collision. Always safe to retry.
	CodeConflict Code = "CONFLICT"

	// CodeResourceExhausted indicates a sandbox exceeded its time or instruction budget.
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"

	// CodeInternal indicates a store or sandbox infrastructure failure.
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeBreakingChange, CodeRejected, CodeResourceExhausted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Expected reports whether the code represents a business-level outcome
// rather than a system fault. Expected outcomes must never be logged as
// errors or alert on their own.
func (c Code) Expected() bool {
	switch c {
	case CodeRejected, CodeBreakingChange, CodeConflict:
		return true
	default:
		return false
	}
}
