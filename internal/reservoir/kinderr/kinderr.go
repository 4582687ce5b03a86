// Package kinderr implements the pipeline's error taxonomy and its
// translation into the OpenAI-shaped error response.
package kinderr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind classifies a pipeline failure. Every Kind maps to exactly one HTTP
// status except UpstreamClientError/UpstreamServerError, which carry the
// upstream's own status through unchanged.
type Kind string

const (
	BadRequest           Kind = "bad_request"
	InputTooLarge        Kind = "input_too_large"
	UpstreamClientError  Kind = "upstream_4xx"
	UpstreamServerError  Kind = "upstream_5xx"
	UpstreamUnavailable  Kind = "upstream_unavailable"
	EmbeddingUnavailable Kind = "embedding_unavailable"
	StorageUnavailable   Kind = "storage_unavailable"
	Overloaded           Kind = "overloaded"
	Internal             Kind = "internal"
)

// Error wraps a Kind, the HTTP status it should surface as, and the
// underlying cause.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with the default status for that
// kind, wrapping cause.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Status: defaultStatus(kind), Message: message, Cause: cause}
}

// WithStatus builds an Error carrying an explicit status, used for
// UpstreamClientError/UpstreamServerError where the status is whatever the
// upstream sent.
func WithStatus(kind Kind, status int, message string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Cause: cause}
}

func defaultStatus(kind Kind) int {
	switch kind {
	case BadRequest:
		return http.StatusBadRequest
	case InputTooLarge:
		return http.StatusRequestEntityTooLarge
	case UpstreamUnavailable:
		return http.StatusBadGateway
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	case Overloaded:
		return http.StatusServiceUnavailable
	case EmbeddingUnavailable, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Of extracts the *Error from err via errors.As, or wraps it as Internal.
func Of(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(Internal, err.Error(), err)
}

// Absorbable reports whether this kind is one the pipeline swallows with a
// warning log rather than aborting the request (EmbeddingUnavailable,
// StorageUnavailable).
func (k Kind) Absorbable() bool {
	return k == EmbeddingUnavailable || k == StorageUnavailable
}

type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Message string `json:"message"`
	Type    Kind   `json:"type"`
	Code    int    `json:"code"`
}

// WriteJSON writes the {"error":{"message","type","code"}} shape for err.
func WriteJSON(w http.ResponseWriter, err error) {
	e := Of(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(body{Error: payload{
		Message: e.Error(),
		Type:    e.Kind,
		Code:    e.Status,
	}})
}
