package respond

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hongminglow/venue-auth/internal/apperr"
	log "github.com/sirupsen/logrus"
)

// MsgInternal is the only detail callers see for dependency failures.
const MsgInternal = "internal error"

// Envelope is the standard API response wrapper used across handlers.
type Envelope struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// JSON writes a success or informational response using the common envelope.
func JSON(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Envelope{Code: status, Message: message, Data: data})
}

// Error writes an error response with the shared envelope structure.
func Error(w http.ResponseWriter, status int, message string) {
	write(w, status, Envelope{Code: status, Message: message})
}

// TooManyRequests writes a 429, with a Retry-After header when retryAfter is positive.
func TooManyRequests(w http.ResponseWriter, message string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	write(w, http.StatusTooManyRequests, Envelope{Code: http.StatusTooManyRequests, Message: message, RetryAfter: retryAfter})
}

// AppError maps err onto a status by its kind. Errors without a kind and dependency failures are
// logged and answered with an opaque 500.
func AppError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		log.WithError(err).WithField("path", r.URL.Path).Error("unclassified error")
		Error(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	switch appErr.Kind {
	case apperr.KindValidation:
		Error(w, http.StatusBadRequest, appErr.Message)
	case apperr.KindRateLimit:
		TooManyRequests(w, appErr.Message, appErr.RetryAfterSeconds())
	case apperr.KindAuthentication:
		status := appErr.Status
		if status == 0 {
			status = http.StatusUnauthorized
		}
		Error(w, status, appErr.Message)
	case apperr.KindConflict:
		Error(w, http.StatusBadRequest, appErr.Message)
	case apperr.KindNotFound:
		Error(w, http.StatusNotFound, appErr.Message)
	case apperr.KindDependency:
		log.WithError(appErr.Err).WithField("path", r.URL.Path).Error(appErr.Message)
		Error(w, http.StatusInternalServerError, MsgInternal)
	default:
		log.WithError(err).WithField("path", r.URL.Path).Error("unknown error kind")
		Error(w, http.StatusInternalServerError, MsgInternal)
	}
}

func write(w http.ResponseWriter, status int, payload Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithError(err).Warn("respond: encode payload failed")
	}
}
