package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// WriteJobError maps a job runner error onto a response.
func WriteJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transcribe.ErrRecordingNotFound):
		WriteError(w, http.StatusNotFound, "recording not found")
	case errors.Is(err, transcribe.ErrUnknownBackend):
		WriteErrorDetail(w, http.StatusBadRequest, "unknown backend", err.Error())
	case errors.Is(err, transcribe.ErrAlreadyCompleted),
		errors.Is(err, transcribe.ErrAlreadyProcessing),
		errors.Is(err, transcribe.ErrNotFailed):
		WriteErrorDetail(w, http.StatusConflict, "invalid recording status", err.Error())
	case errors.Is(err, transcribe.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		WriteError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, transcribe.ErrRunnerStopped):
		WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		WriteErrorDetail(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

// Pagination is the limit/offset window of a list request.
type Pagination struct {
	Limit  int
	Offset int
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ParsePagination reads limit (1..500, default 50) and offset (>= 0).
func ParsePagination(r *http.Request) (Pagination, error) {
	limit, err := queryIntRange(r, "limit", defaultLimit, 1, maxLimit)
	if err != nil {
		return Pagination{Limit: defaultLimit}, err
	}
	offset, err := queryIntRange(r, "offset", 0, 0, -1)
	if err != nil {
		return Pagination{Limit: limit}, err
	}
	return Pagination{Limit: limit, Offset: offset}, nil
}

// queryIntRange parses an optional integer parameter bounded below by lo and,
// when hi >= lo, above by hi.
func queryIntRange(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: must be an integer", name, v)
	}
	switch bounded := hi >= lo; {
	case bounded && (n < lo || n > hi):
		return def, fmt.Errorf("invalid %s %d: must be between %d and %d", name, n, lo, hi)
	case n < lo:
		return def, fmt.Errorf("invalid %s %d: must be >= %d", name, n, lo)
	}
	return n, nil
}

// QueryString extracts a non-empty string query parameter.
func QueryString(r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", false
	}
	return v, true
}

// QueryInt64List extracts a comma-separated list of int64s from a query param.
func QueryInt64List(r *http.Request, name string) []int64 {
	var result []int64
	for _, p := range QueryStringList(r, name) {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			result = append(result, n)
		}
	}
	return result
}

// QueryStringList extracts a comma-separated list of strings from a query param.
func QueryStringList(r *http.Request, name string) []string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	var result []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// PathInt64 extracts an int64 from a chi URL parameter.
func PathInt64(r *http.Request, name string) (int64, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return 0, fmt.Errorf("missing path parameter: %s", name)
	}
	return strconv.ParseInt(v, 10, 64)
}
