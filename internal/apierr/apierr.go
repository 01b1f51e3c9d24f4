// Package apierr defines the error taxonomy exposed by the chat proxy and the
// JSON error writer used by every HTTP handler.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ClientInputError indicates a malformed or incomplete request (missing model,
// missing API key, empty message). Maps to 400.
type ClientInputError struct {
	Msg string
}

func (e *ClientInputError) Error() string { return e.Msg }

// AuthError indicates the provider rejected the supplied credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "provider rejected credentials: " + e.Reason }

// ModelError indicates the provider rejected or blocked the content, or
// returned a response no known shape matches. Detail carries the
// provider-supplied block reason or safety rating for operator diagnosis.
type ModelError struct {
	Detail string
}

func (e *ModelError) Error() string { return "model error: " + e.Detail }

// TransportError indicates a network failure talking to the provider.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// UploadError indicates the large-object path failed for one attachment.
// It is never fatal to a request: ingestion downgrades it to an inline
// diagnostic text part.
type UploadError struct {
	Name   string
	Reason string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %q failed: %s", e.Name, e.Reason)
}

// StatusFor maps an error to its externally visible HTTP status.
func StatusFor(err error) int {
	var cie *ClientInputError
	if errors.As(err, &cie) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSONError writes a JSON error body with the given status.
func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := jsonError{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError resolves the status from the error taxonomy and writes it.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSONError(w, StatusFor(err), err.Error())
}
