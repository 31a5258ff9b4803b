package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/richinex/parley/quota"
	"github.com/richinex/parley/storage"
)

const (
	codeUnauthorized   = "unauthorized"
	codeForbidden      = "forbidden"
	codeNotFound       = "not_found"
	codeInvalidRequest = "invalid_request"
	codeTooLarge       = "request_too_large"
	codeQuotaExceeded  = "quota_exceeded"
	codeInternal       = "internal_error"
)

var (
	errInvalidRequest  = errors.New("invalid request")
	errRequestTooLarge = errors.New("request body too large")
	errNotFound        = errors.New("not found")
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	writeError(w, status, code, message)
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, codeQuotaExceeded
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge, codeTooLarge
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, storage.ErrChatOwnership):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, storage.ErrChatNotFound), errors.Is(err, errNotFound):
		return http.StatusNotFound, codeNotFound
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return invalidRequest("request body is required")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fmt.Errorf("%w: exceeds %d bytes", errRequestTooLarge, maxBytesErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return invalidRequest("request body is required")
		}
		return invalidRequest("invalid JSON body: %v", err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return invalidRequest("request body must contain exactly one JSON object")
	}
	return nil
}
