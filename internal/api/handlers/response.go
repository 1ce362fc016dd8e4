package handlers

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the wire shape for every error the API returns.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an error response in the protocol's
// {"status": "error", "message": ...} shape.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, &ErrorResponse{Status: "error", Message: message})
}
