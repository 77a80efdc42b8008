package worker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/substrate/pkg/models"
)

// ErrorResponse is the body of every non-2xx JSON answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		writeErrorStatus(w, http.StatusInternalServerError, "internal", "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

// errorStatus maps an error onto its HTTP status and machine code.
func errorStatus(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, models.ErrInsufficientSparks):
		return http.StatusPaymentRequired, "insufficient_sparks"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError answers with the status err maps to. Internal errors are logged
// and their details withheld from the client.
func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
		msg = "internal error"
	}
	writeErrorStatus(w, status, code, msg)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, msg string) {
	body, _ := json.Marshal(ErrorResponse{Error: msg, Code: code})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

// decodeJSON reads a JSON body into v. Malformed bodies are invalid input.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("request body required: %w", models.ErrInvalidInput)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed JSON: %v: %w", err, models.ErrInvalidInput)
	}
	return nil
}
