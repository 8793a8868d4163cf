package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes reported in ErrorResponse.
const (
	CodeInvalidParam       = "INVALID_REQUEST_PARAM"
	CodeProcessRunNotFound = "PROCESS_RUN_NOT_FOUND"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorResponse is returned when an error occurs.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// ListResponse wraps a page of results.
type ListResponse struct {
	Success      bool       `json:"success"`
	ResponseType string     `json:"responseType"`
	Total        int        `json:"total"`
	Offset       int        `json:"offset"`
	Limit        int        `json:"limit"`
	Result       ListResult `json:"result"`
}

// ListResult holds the items of a ListResponse.
type ListResult struct {
	Items any `json:"items"`
	Size  int `json:"size"`
}

// ObjectResponse wraps a single result.
type ObjectResponse struct {
	Success      bool   `json:"success"`
	ResponseType string `json:"responseType"`
	Result       any    `json:"result"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Success:   false,
		ErrorCode: code,
		Message:   message,
	})
}
