package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/aegis-network/aegis-node/internal/aegiserr"
	"github.com/aegis-network/aegis-node/internal/aegislog"
	"github.com/aegis-network/aegis-node/internal/security"
)

// ErrorResponse is the JSON envelope written for every non-2xx response
// (spec §6.2): a short diagnostic kind, a human message, and the trace ID
// so an operator can correlate the response with node logs.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	TraceID string                 `json:"trace_id,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError renders err as the standard envelope, deriving status and kind
// from an *aegiserr.ServiceError when the error chain carries one and
// falling back to 500/internal otherwise. The X-AEGIS-Error header always
// carries the short kind token (spec §6.2).
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr, ok := aegiserr.As(err)
	if !ok {
		svcErr = aegiserr.Internal("internal error", err)
	}

	traceID := aegislog.TraceID(r.Context())
	w.Header().Set("X-AEGIS-Error", string(svcErr.Kind))
	if traceID != "" {
		w.Header().Set("X-Trace-ID", traceID)
	}

	WriteJSON(w, svcErr.HTTPStatus, ErrorResponse{
		Error:   string(svcErr.Kind),
		Message: svcErr.Message,
		TraceID: traceID,
		Details: svcErr.Details,
	})
}

// DecodeJSON decodes a JSON request body, writing a malformed-request error
// response and returning false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, r, aegiserr.MalformedRequest(security.Error(err)))
		return false
	}
	return true
}
