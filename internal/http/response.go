package http

import "flintkv/pkg/engine"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format. Value is a pointer so
// a stored empty value still serializes, distinct from no value at all.
type Response struct {
	Status Status  `json:"status,omitempty"`
	Value  *string `json:"value,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// KeysResponse lists every live key.
type KeysResponse struct {
	Status Status   `json:"status"`
	Keys   []string `json:"keys"`
}

// StatResponse carries the engine's footprint counters.
type StatResponse struct {
	Status Status      `json:"status"`
	Stat   engine.Stat `json:"stat"`
}

// BatchRequest is the body of an atomic batch commit.
type BatchRequest struct {
	Puts    map[string]string `json:"puts"`
	Deletes []string          `json:"deletes"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: &value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
