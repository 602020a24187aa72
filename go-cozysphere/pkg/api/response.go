// pkg/api/response.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/relay"
)

// Envelope statuses used by devices and the mobile client.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// MessageResponse acknowledges an operation that has nothing else to return.
type MessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ResponseWriter writes consistent JSON responses.
type ResponseWriter struct {
	Writer http.ResponseWriter
	log    *slog.Logger
}

func newResponseWriter(w http.ResponseWriter, log *slog.Logger) *ResponseWriter {
	return &ResponseWriter{Writer: w, log: log}
}

// SendJSON sends data with the given status code.
func (rw *ResponseWriter) SendJSON(statusCode int, data any) {
	rw.Writer.Header().Set("Content-Type", "application/json")
	rw.Writer.WriteHeader(statusCode)
	if err := json.NewEncoder(rw.Writer).Encode(data); err != nil {
		rw.log.Error("failed to encode response", "error", err)
	}
}

// SendSuccess sends a success envelope with an optional message.
func (rw *ResponseWriter) SendSuccess(statusCode int, message string) {
	rw.SendJSON(statusCode, MessageResponse{Status: statusSuccess, Message: message})
}

// SendError sends an error envelope.
func (rw *ResponseWriter) SendError(statusCode int, message string) {
	rw.SendJSON(statusCode, ErrorResponse{Status: statusError, Message: message})
}

// SendFailure maps err to a status code. Server-side failures are logged
// and their details kept out of the response.
func (rw *ResponseWriter) SendFailure(err error, what string) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		rw.log.Error(what+" failed", "error", err)
		rw.SendError(code, what+" failed")
		return
	}
	rw.log.Debug(what+" rejected", "error", err)
	rw.SendError(code, err.Error())
}

// errorStatus maps the service's error kinds to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
