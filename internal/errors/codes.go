package errors

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInternal         Code = "INTERNAL_ERROR"
	CodeConfigValidation Code = "CONFIG_VALIDATION_ERROR"
	CodeConfigReadError  Code = "CONFIG_READ_ERROR"
	CodeConfigParseError Code = "CONFIG_PARSE_ERROR"

	// Identity backend taxonomy. Transient failures are retried with backoff
	// and escalate to a Retryable outcome once attempts are exhausted;
	// Rejected failures are never retried; Conflict is absorbed by the
	// gateway and never surfaces as an error.
	CodeBackendTransient Code = "BACKEND_TRANSIENT"
	CodeBackendRejected  Code = "BACKEND_REJECTED"
	CodeBackendConflict  Code = "BACKEND_CONFLICT"
	CodeBackendAuthError Code = "BACKEND_AUTH_ERROR"
	CodeBackendNotFound  Code = "BACKEND_NOT_FOUND"

	// Local lifecycle assumption contradicted by a backend observation;
	// forces a full sync of the affected resource.
	CodeStateInconsistent Code = "STATE_INCONSISTENT"

	CodeSourceAPIError    Code = "SOURCE_API_ERROR"
	CodeSourceStreamError Code = "SOURCE_STREAM_ERROR"
	CodeInvalidBackendID  Code = "INVALID_BACKEND_ID"
	CodeTimeout           Code = "TIMEOUT_ERROR"
)

func (c Code) String() string {
	return string(c)
}
