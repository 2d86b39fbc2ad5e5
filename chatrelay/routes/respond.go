package routes

import (
	"chatrelay/chatrelay/utils/apperrors"
	"chatrelay/chatrelay/utils/logging"
	wire "chatrelay/chatrelay/utils/types"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; the largest valid chat request is far
// below it.
const maxBodyBytes = 1 << 20

func handleJSON(handler func(r *http.Request) (any, int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, status, err := handler(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, status, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers with the structured error body. 5xx responses carry
// only the generic public message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorAs(w, r, err, "")
}

// writeErrorAs is writeError with a route-specific message for 5xx answers.
func writeErrorAs(w http.ResponseWriter, r *http.Request, err error, serverMessage string) {
	status := apperrors.StatusCode(err)
	message := apperrors.PublicMessage(err)
	if serverMessage != "" && status >= http.StatusInternalServerError {
		message = serverMessage
	}
	detail := wire.ErrorDetail{
		Message:    message,
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	var ve *apperrors.ValidationError
	if stderrors.As(err, &ve) {
		detail.Field = ve.Field
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorLogger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, wire.ErrorBody{Error: detail})
}

func notFound(message string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		writeJSON(w, http.StatusNotFound, wire.ErrorBody{Error: wire.ErrorDetail{
			Message:    message,
			StatusCode: http.StatusNotFound,
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		}})
	}
}

// decodeBody reads one JSON object into v. Malformed input is a
// ValidationError so it maps to 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return apperrors.NewValidation("body", "request body is required")
		}
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return apperrors.NewValidation("body", "request body too large")
		}
		return apperrors.NewValidation("body", "invalid JSON")
	}
	return nil
}
