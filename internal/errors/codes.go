package errors

import "net/http"

// Code represents the type of error
type Code string

const (
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeInvalidSignaling  Code = "INVALID_SIGNALING_PAYLOAD"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInvalidTopology   Code = "INVALID_CHAT_TOPOLOGY"
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// StatusCodeMap maps Code to HTTP status code, used by the signaling and
// status HTTP endpoints. The WebSocket path ignores it and emits error events.
var StatusCodeMap = map[Code]int{
	CodeUnauthenticated:  http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeNotFound:         http.StatusNotFound,
	CodeInvalidState:     http.StatusConflict,
	CodeInvalidSignaling: http.StatusUnprocessableEntity,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeInvalidTopology:  http.StatusUnprocessableEntity,
	CodeBadRequest:       http.StatusBadRequest,
	CodeInternal:         http.StatusInternalServerError,
}

// StatusCode returns the HTTP status code for this error code
func (c Code) StatusCode() int {
	if code, ok := StatusCodeMap[c]; ok {
		return code
	}
	return http.StatusInternalServerError
}
