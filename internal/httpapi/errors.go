package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/prefstore-api/internal/store"
)

type errorDetail struct {
	Code    store.Code `json:"code"`
	Message string     `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// statusFor maps stable error codes to HTTP statuses.
func statusFor(code store.Code) int {
	switch code {
	case store.CodeValidation:
		return http.StatusBadRequest
	case store.CodeUnauthorized:
		return http.StatusUnauthorized
	case store.CodeNotFound:
		return http.StatusNotFound
	case store.CodePrecondition:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError renders err as the wire error envelope. Internal failures are
// logged with their cause; the client only sees the stable code and the
// public message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := store.CodeOf(err)
	msg := "internal error"
	var se *store.Error
	if errors.As(err, &se) && code != store.CodeInternal {
		msg = se.Message
	}
	if code == store.CodeInternal {
		log.Ctx(r.Context()).Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, statusFor(code), errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// writeErrorCode renders an explicit code and message, for failures that do
// not originate in the storage service.
func writeErrorCode(w http.ResponseWriter, status int, code store.Code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
