// Package errors provides structured error handling for the claim engine.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Configuration errors
	CodeConfiguration Code = "CONFIGURATION_ERROR"

	// Claim errors
	CodeUnknownIdentity     Code = "UNKNOWN_IDENTITY"
	CodeInvalidPasscode     Code = "INVALID_PASSCODE"
	CodeMaxAttemptsExceeded Code = "MAX_ATTEMPTS_EXCEEDED"
	CodeClaimInFlight       Code = "CLAIM_IN_FLIGHT"
	CodeIdentityMismatch    Code = "IDENTITY_MISMATCH"

	// Settlement errors
	CodeSimulationRejected  Code = "SIMULATION_REJECTED"
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeOnChainFailure      Code = "ONCHAIN_FAILURE"

	// Request errors
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodePasscodeRequired Code = "PASSCODE_REQUIRED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
)

// HTTPStatus maps an error code to its HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument:
		return http.StatusBadRequest

	case CodePasscodeRequired:
		return http.StatusUnauthorized

	// Forbidden - authentication material rejected or exhausted
	case CodeInvalidPasscode,
		CodeMaxAttemptsExceeded,
		CodeIdentityMismatch:
		return http.StatusForbidden

	case CodeUnknownIdentity, CodeNotFound:
		return http.StatusNotFound

	// Conflict - a concurrent claim holds the lock
	case CodeClaimInFlight, CodeConflict:
		return http.StatusConflict

	// Bad request - the ledger pre-check rejected the transaction
	case CodeSimulationRejected:
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}
