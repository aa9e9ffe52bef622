// Stable error codes returned in the `code` field of ErrorResponse.
//
// Clients branch on these rather than on messages: the queue producers retry
// on internal_error/create_failed, the assistant UI maps answer_failed to its
// degraded banner, and everything else is surfaced verbatim. Codes are
// lowercase snake_case and never removed once shipped.
package handlers

const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeNotFound   = "not_found"
	ErrCodeConflict   = "conflict"
	ErrCodeInternal   = "internal_error"

	// Operation-specific:
	ErrCodeAnswerFailed     = "answer_failed"
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
