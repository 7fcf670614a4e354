package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto an HTTP status and writes the error body.
// Unclassified errors are logged and reported as internal.
func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	var e *model.Error
	if !errors.As(err, &e) {
		log.Error("unhandled error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, &ErrorResponse{
			Error: "internal error",
			Code:  "internal",
		})
		return
	}
	status := statusFor(e.Kind)
	if e.Kind == model.KindUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, &ErrorResponse{
		Error:     e.Error(),
		Code:      string(e.Kind),
		Retryable: e.Retryable(),
	})
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindUnauthorized:
		return http.StatusUnauthorized
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindConversationClosed, model.KindIllegalTransition:
		return http.StatusConflict
	case model.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return model.Errorf(model.KindValidation, "request body too large")
	}
	return model.Errorf(model.KindValidation, "invalid request body")
}

// pagination parses limit and offset, clamping out-of-range values.
func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxPageSize {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
