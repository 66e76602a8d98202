package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"zimage_gateway/proxy"
	"zimage_gateway/sdapi"

	"go.uber.org/zap"
)

// statusClientClosed is logged when the caller went away mid-request.
const statusClientClosed = 499

// errBadRequest marks input that could not be decoded at all.
type errBadRequest struct {
	msg string
}

func (e *errBadRequest) Error() string { return e.msg }

func badRequest(msg string) error {
	return &errBadRequest{msg: msg}
}

// validationResponse is ErrorResponse plus the rejected fields.
type validationResponse struct {
	sdapi.ErrorResponse
	Fields []sdapi.FieldError `json:"fields"`
}

// statusFor maps an error onto the response status.
func statusFor(err error) int {
	var (
		ve  *sdapi.ValidationError
		br  *errBadRequest
		mbe *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return statusClientClosed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return proxy.StatusCode(err)
	}
}

// detailOf is the human-readable message for err.
func detailOf(err error) string {
	var be *proxy.BackendError
	if errors.As(err, &be) {
		return be.Detail
	}
	return err.Error()
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, sdapi.ErrorResponse{
		Error:   errorText(status),
		Message: message,
	})
}

// writeErr picks the status for err and writes it.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)

	var ve *sdapi.ValidationError
	if errors.As(err, &ve) {
		s.writeJSON(w, status, validationResponse{
			ErrorResponse: sdapi.ErrorResponse{Error: errorText(status), Message: ve.Error()},
			Fields:        ve.Fields,
		})
		return
	}
	if status == statusClientClosed {
		// Nobody is listening; only the access log sees this.
		w.WriteHeader(status)
		return
	}
	s.writeError(w, status, detailOf(err))
}

func errorText(status int) string {
	if status == statusClientClosed {
		return "Client Closed Request"
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Error"
}
