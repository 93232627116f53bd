package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "customs/pkg/domain-errors"
)

func WriteJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Errors after WriteHeader cannot change the status code, so we ignore encoding errors.
	_ = json.NewEncoder(w).Encode(response)
}

// ErrorResponse is the wire shape the auth server expects for failures.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError centralizes domain error translation to HTTP responses.
// It translates transport-agnostic domain errors into HTTP status codes and
// the {code, message} envelope consumed by callers.
func WriteError(w http.ResponseWriter, err error) {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		WriteJSON(w, DomainCodeToHTTPStatus(domainErr.Code), ErrorResponse{
			Code:    DomainCodeToWireCode(domainErr.Code),
			Message: domainErr.Message,
		})
		return
	}

	// Fallback for unexpected errors
	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Code:    DomainCodeToWireCode(dErrors.CodeInternal),
		Message: "internal server error",
	})
}

// DomainCodeToHTTPStatus translates domain error codes to HTTP status codes.
func DomainCodeToHTTPStatus(code dErrors.Code) int {
	switch code {
	case dErrors.CodeMissingParameters, dErrors.CodeBadRequest, dErrors.CodeInvalidInput:
		return http.StatusBadRequest
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DomainCodeToWireCode translates domain error codes to the CamelCase codes
// used on the wire.
func DomainCodeToWireCode(code dErrors.Code) string {
	switch code {
	case dErrors.CodeMissingParameters:
		return "MissingParameters"
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput:
		return "BadRequest"
	case dErrors.CodeNotFound:
		return "NotFound"
	case dErrors.CodeTimeout:
		return "Timeout"
	case dErrors.CodeUnavailable:
		return "Unavailable"
	default:
		return "InternalError"
	}
}
