package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Isolation
	CodeIsolationDenied           Code = "ISOLATION_DENIED"
	CodeIsolationCheckUnavailable Code = "ISOLATION_CHECK_UNAVAILABLE"

	// Audit chain
	CodeAuditUnavailable        Code = "AUDIT_UNAVAILABLE"
	CodeChainIntegrityViolation Code = "CHAIN_INTEGRITY_VIOLATION"

	// Credentials
	CodeCredentialMissing Code = "CREDENTIAL_MISSING"
	CodeCredentialExpired Code = "CREDENTIAL_EXPIRED"

	// Command lifecycle
	CodeExpired              Code = "EXPIRED"
	CodeExecutionError       Code = "EXECUTION_ERROR"
	CodeExecutionTimeout     Code = "EXECUTION_TIMEOUT"
	CodeInvalidCommand       Code = "INVALID_COMMAND"
	CodeSubmissionInProgress Code = "SUBMISSION_IN_PROGRESS"

	// Tenant
	CodeTenantUnavailable Code = "TENANT_UNAVAILABLE"

	// Storage
	CodeNotFound           Code = "NOT_FOUND"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// HTTPStatus maps an error code to the status returned by the HTTP API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeIsolationDenied:
		return http.StatusForbidden
	case CodeInvalidCommand:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeChainIntegrityViolation, CodeSubmissionInProgress:
		return http.StatusConflict
	case CodeIsolationCheckUnavailable, CodeAuditUnavailable, CodeStorageUnavailable, CodeTenantUnavailable:
		return http.StatusServiceUnavailable
	case CodeCredentialMissing, CodeCredentialExpired, CodeExpired:
		return http.StatusUnprocessableEntity
	case CodeExecutionError:
		return http.StatusBadGateway
	case CodeExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
