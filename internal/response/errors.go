package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrSessionNotFound ErrCode = "SESSION_NOT_FOUND"

	// ─── Exam session ──────────────────────────────────────────────────
	ErrExamLoadFailed   ErrCode = "EXAM_LOAD_FAILED"
	ErrSessionNotActive ErrCode = "SESSION_NOT_ACTIVE"
	ErrSessionClosed    ErrCode = "SESSION_CLOSED"
	ErrAnswersFrozen    ErrCode = "ANSWERS_FROZEN"
	ErrUnknownQuestion  ErrCode = "UNKNOWN_QUESTION"
	ErrInvalidAnswer    ErrCode = "INVALID_ANSWER"
	ErrNotRetryable     ErrCode = "NOT_RETRYABLE"
	ErrNotLoadable      ErrCode = "NOT_LOADABLE"

	// ─── Audio ─────────────────────────────────────────────────────────
	ErrCaptureDenied ErrCode = "CAPTURE_DENIED"
	ErrCaptureState  ErrCode = "CAPTURE_STATE"
	ErrFileRequired  ErrCode = "FILE_REQUIRED"
	ErrNotAudio      ErrCode = "NOT_AUDIO"
	ErrFileTooLarge  ErrCode = "FILE_TOO_LARGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrUnavailable ErrCode = "SERVICE_UNAVAILABLE"
	ErrInternal    ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrSessionNotFound:
		return "Exam session not found."

	// ─── Exam session ──────────────────────────────────────────────────
	case ErrExamLoadFailed:
		return "The exam could not be loaded. Please try again."
	case ErrSessionNotActive:
		return "The exam session is not active."
	case ErrSessionClosed:
		return "The exam session has been closed."
	case ErrAnswersFrozen:
		return "The exam has been submitted. Answers can no longer be changed."
	case ErrUnknownQuestion:
		return "The question does not belong to this exam."
	case ErrInvalidAnswer:
		return "The answer does not fit this question."
	case ErrNotRetryable:
		return "There is no failed submission to retry."
	case ErrNotLoadable:
		return "The exam session is already loaded."

	// ─── Audio ─────────────────────────────────────────────────────────
	case ErrCaptureDenied:
		return "Microphone access was denied. You can type your answer instead."
	case ErrCaptureState:
		return "No recording is in progress for this question."
	case ErrFileRequired:
		return "A file upload is required."
	case ErrNotAudio:
		return "Please upload a valid audio file."
	case ErrFileTooLarge:
		return "The file exceeds the size limit."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrUnavailable:
		return "A required service is unavailable."
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
