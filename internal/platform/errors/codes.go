// Package errors provides structured domain errors shared by the marketplace
// services and their HTTP boundary.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request validation
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Task errors
	CodeTaskFieldRequired Code = "TASK_FIELD_REQUIRED"
	CodeTaskInvalidFilter Code = "TASK_INVALID_FILTER"

	// Deal errors
	CodeDealAddressRequired Code = "DEAL_ADDRESS_REQUIRED"
	CodeDealSameParty       Code = "DEAL_SAME_PARTY"
	CodeDealInvalidStage    Code = "DEAL_INVALID_STAGE"
	CodeDealStageCompleted  Code = "DEAL_STAGE_COMPLETED"

	// Chat errors
	CodeChatTokenInvalid Code = "CHAT_TOKEN_INVALID"

	// Contract compiler errors
	CodeContractInvalidAddress Code = "CONTRACT_INVALID_ADDRESS"
	CodeContractBuildFailed    Code = "CONTRACT_BUILD_FAILED"
	CodeContractOutputInvalid  Code = "CONTRACT_OUTPUT_INVALID"
	CodeContractBusy           Code = "CONTRACT_BUSY"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input
	case CodeInvalidArgument,
		CodeTaskFieldRequired,
		CodeTaskInvalidFilter,
		CodeDealAddressRequired,
		CodeDealSameParty,
		CodeDealInvalidStage,
		CodeContractInvalidAddress:
		return http.StatusBadRequest

	case CodeChatTokenInvalid:
		return http.StatusUnauthorized

	// Conflict - state doesn't allow operation
	case CodeDealStageCompleted:
		return http.StatusConflict

	case CodeNotFound:
		return http.StatusNotFound

	case CodeContractBusy:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
