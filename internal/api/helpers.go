package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bidworks/bidflow/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// writeEngineError maps a BidflowError code to an HTTP status. Unknown errors
// are treated as internal.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var bfErr *schema.BidflowError
	if !errors.As(err, &bfErr) {
		s.deps.Logger.Error("internal error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, schema.ErrCodeStore, "internal error")
		return
	}
	writeJSON(w, httpStatus(bfErr.Code), errorBody{
		Code:    bfErr.Code,
		Message: bfErr.Message,
		Details: bfErr.Details,
		Stage:   string(bfErr.Stage),
	})
}

func httpStatus(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound, schema.ErrCodeGateNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeTerminated:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
