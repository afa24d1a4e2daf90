package api

import (
	"errors"
	"net/http"

	"github.com/grafana/symbolserver/pkg/stash"
	"github.com/grafana/symbolserver/pkg/symbolizer"
)

const (
	errorTypeSdkNotFound      = "sdk_not_found"
	errorTypeBadRequest       = "bad_request"
	errorTypeMethodNotAllowed = "method_not_allowed"
	errorTypeNotFound         = "not_found"
	errorTypeInternal         = "internal_server_error"
)

// Error is the body of every failed response.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

// errorCode maps an error to the status code and the error type reported to
// the client. Internal errors are not shown to users.
func errorCode(err error) (int, Error) {
	var bad badRequestError
	switch {
	case stash.IsUnknownSdk(err):
		return http.StatusNotFound, Error{Type: errorTypeSdkNotFound, Message: "the requested sdk was not found"}
	case errors.Is(err, symbolizer.ErrMalformedBatch), errors.As(err, &bad):
		return http.StatusBadRequest, Error{Type: errorTypeBadRequest, Message: err.Error()}
	default:
		return http.StatusInternalServerError, Error{Type: errorTypeInternal, Message: "internal server error"}
	}
}
