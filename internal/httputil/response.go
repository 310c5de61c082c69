package httputil

import (
	"encoding/json"
	"net/http"
)

// Envelope is the body shape of every API response.
type Envelope struct {
	IsSuccess bool   `json:"isSuccess"`
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"errorCode,omitempty"`
}

// WriteJSON writes v as JSON with the given HTTP status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// WriteSuccess wraps value in a successful envelope.
func WriteSuccess(w http.ResponseWriter, status int, value any) {
	WriteJSON(w, status, Envelope{IsSuccess: true, Value: value})
}

// WriteError writes a failed envelope whose errorCode mirrors the HTTP status.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Envelope{Error: message, ErrorCode: status})
}
