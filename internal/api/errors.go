package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/whisper/chatroom/internal/chat"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// errorBody is the JSON body of every error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps a service error to its status code. Internal errors are
// logged and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status int
		code   string
	)
	switch {
	case errors.Is(err, chat.ErrValidation):
		status, code = http.StatusUnprocessableEntity, "validation"
	case errors.Is(err, chat.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, chat.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, chat.ErrForbidden):
		status, code = http.StatusUnauthorized, "not_owner"
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal server error"})
		return
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

// decodeJSON reads a bounded JSON body into v. Malformed bodies are
// validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", chat.ErrValidation)
		}
		return fmt.Errorf("%w: malformed body: %v", chat.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
