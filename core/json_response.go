package core

import (
	"encoding/json"
	"errors"
	"net/http"
)

// JSONResponse is the standard response envelope.
type JSONResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail carries machine and human readable error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a success envelope with the given status code.
func WriteJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// WriteError writes an error envelope. If err wraps an HTTPError its status
// and key are used; anything else is reported as a 500 without leaking the
// internal error message to the client.
func WriteError(w http.ResponseWriter, err error) {
	httpErr := ErrInternalServerError
	msg := ""

	var he HTTPError
	if errors.As(err, &he) {
		httpErr = he
		msg = err.Error()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpErr.Code)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Success: false,
		Error: &ErrorDetail{
			Code:    httpErr.Key,
			Message: msg,
		},
	})
}
