package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/capitalize-ai/support-engine/internal/model"
)

// maxBodyBytes bounds JSON request bodies. A maximal message is 10 000
// characters of up to four bytes each, plus envelope.
const maxBodyBytes = 64 * 1024

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.Errorf(model.KindValidation, "invalid conversation ID format")
	}
	return nil
}

// ConversationID rejects requests whose {id} URL parameter is not a UUID.
func ConversationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := ValidateConversationID(chi.URLParam(r, "id")); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"conversation not found","code":"not_found","retryable":false}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimitBody caps the size of request bodies.
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
