// Package httpapi exposes the conductor's dispatch and status surface over
// HTTP: query dispatch, pool status (point-in-time and long-poll), manual
// pool-size overrides, a Prometheus scrape endpoint, and a static file
// server for everything else.
//
// # Error handling
//
// Handlers report client mistakes by returning a *clientError instead of
// writing the response themselves; run wraps every handler, writes the
// carried status code and message for a *clientError, and falls back to
// 500 with a logged stack trace for anything else. This mirrors the
// request/response handling pattern a BaseHTTPRequestHandler-style server
// uses to keep error formatting in one place instead of repeating it in
// every handler.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/mdbconductor/conductor/internal/backend"
	"github.com/mdbconductor/conductor/internal/logging"
	"github.com/mdbconductor/conductor/internal/metrics"
	"github.com/mdbconductor/conductor/internal/observability"
)

// clientError is a request the caller made that the server can reject
// without treating it as an internal failure: a 4xx carried alongside a
// human-readable message.
type clientError struct {
	code int
	msg  string
}

func (e *clientError) Error() string { return e.msg }

// overloadError signals that a pool has too many callers already waiting
// for capacity; it maps to 503 rather than the generic 500.
type overloadError struct{ msg string }

func (e *overloadError) Error() string { return e.msg }

func newClientError(code int, format string, args ...any) *clientError {
	return &clientError{code: code, msg: fmt.Sprintf(format, args...)}
}

// Server wires Backend dispatch into an http.Handler.
type Server struct {
	backend   *backend.Backend
	staticDir string
	mux       *http.ServeMux
}

// New builds a Server that dispatches queries through b and serves files
// under staticDir for any path it doesn't recognize.
func New(b *backend.Backend, staticDir string) *Server {
	s := &Server{backend: b, staticDir: staticDir}
	mux := http.NewServeMux()
	mux.HandleFunc("/query/", s.wrap(s.handleQuery))
	mux.HandleFunc("/poolsize/", s.wrap(s.handlePoolSize))
	mux.HandleFunc("/status/", s.wrap(s.handleStatus))
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.HandleFunc("/", s.wrap(s.handleStatic))
	s.mux = mux
	return s
}

// Handler returns the traced http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return observability.HTTPMiddleware(s.mux)
}

// wrap runs f and translates its returned error into an HTTP response the
// way run_protected does: a *clientError writes its carried code and
// message, an *overloadError writes 503, and anything else writes 500 and
// is logged with a stack trace so the process keeps running.
func (s *Server) wrap(f func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := f(w, r)
		if err == nil {
			return
		}
		var ce *clientError
		var oe *overloadError
		switch {
		case errors.As(err, &ce):
			http.Error(w, ce.msg, ce.code)
		case errors.As(err, &oe):
			http.Error(w, oe.msg, http.StatusServiceUnavailable)
		default:
			logging.Op().Error("httpapi: unhandled error", "path", r.URL.Path, "error", err, "stack", string(debug.Stack()))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// formValue extracts a single form field. A missing key yields "" with no
// error; more than one value for the key is rejected with a 400.
func formValue(r *http.Request, key string) (string, error) {
	if err := r.ParseForm(); err != nil {
		return "", newClientError(http.StatusBadRequest, "invalid form body: %v", err)
	}
	values := r.Form[key]
	if len(values) == 0 {
		return "", nil
	}
	if len(values) > 1 {
		return "", newClientError(http.StatusBadRequest, "parameter %q has %d values, should be 1", key, len(values))
	}
	return values[0], nil
}

// queryResponse is the JSON body POST /query/ returns on success.
type queryResponse struct {
	Query  string `json:"query"`
	Advice string `json:"advice"`
	IP     string `json:"ip"`
	URL    string `json:"url"`
	Rows   int    `json:"rows"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) error {
	query, err := formValue(r, "query")
	if err != nil {
		return err
	}
	if query == "" {
		return newClientError(http.StatusBadRequest, "must provide query")
	}

	result, err := s.backend.ExecuteQuery(r.Context(), query)
	if err != nil {
		if isOverload(err) {
			return &overloadError{msg: err.Error()}
		}
		return fmt.Errorf("execute query: %w", err)
	}
	defer result.Close()

	rowCount := 0
	for result.Rows.Next() {
		rowCount++
	}
	if err := result.Rows.Err(); err != nil {
		return fmt.Errorf("read rows: %w", err)
	}

	resp := queryResponse{
		Query:  query,
		Advice: result.Pool,
		IP:     result.IP,
		URL:    "mapi://" + result.IP,
		Rows:   rowCount,
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(resp)
}

// isOverload reports whether err came from a pool that already has too
// many callers waiting for capacity, which httpapi maps to 503 instead of
// the generic 500 every other backend error gets.
func isOverload(err error) bool {
	return strings.Contains(err.Error(), "too many callers already waiting for capacity")
}

func (s *Server) handlePoolSize(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return newClientError(http.StatusBadRequest, "invalid form body: %v", err)
	}
	for poolName, values := range r.Form {
		if len(values) != 1 {
			return newClientError(http.StatusBadRequest, "parameter %q has %d values, should be 1", poolName, len(values))
		}
		size, err := strconv.Atoi(values[0])
		if err != nil {
			return newClientError(http.StatusBadRequest, "can't parse size %q", values[0])
		}
		if size < 0 {
			return newClientError(http.StatusBadRequest, "size must be >= 0")
		}
		if err := s.backend.SetDesired(poolName, size); err != nil {
			return newClientError(http.StatusBadRequest, "%v", err)
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "OK")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		snap := s.backend.Snapshot()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, renderStatusText(snap))
		return nil
	case http.MethodPost:
		return s.handlePostStatus(w, r)
	default:
		return newClientError(http.StatusMethodNotAllowed, "method %s not allowed on /status/", r.Method)
	}
}

type statusResponse struct {
	ID     string `json:"id"`
	Seen   int    `json:"seen"`
	Status any    `json:"status"`
}

func (s *Server) handlePostStatus(w http.ResponseWriter, r *http.Request) error {
	id, err := formValue(r, "id")
	if err != nil {
		return err
	}
	seenStr, err := formValue(r, "seen")
	if err != nil {
		return err
	}
	seen := 0
	if seenStr != "" {
		seen, err = strconv.Atoi(seenStr)
		if err != nil {
			return newClientError(http.StatusBadRequest, "parameter 'seen' must be numeric")
		}
	}

	hubID, generation, state, err := s.backend.Hub().GetState(r.Context(), id, seen)
	if err != nil {
		return fmt.Errorf("wait for status update: %w", err)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(statusResponse{ID: hubID, Seen: generation, Status: state})
}

// renderStatusText formats a Snapshot as the plain-text block GET /status/
// returns, one line per pool.
func renderStatusText(snap backend.Snapshot) string {
	var b strings.Builder
	for _, p := range snap.Pools {
		fmt.Fprintf(&b, "%s: actual=%d desired=%d load=%.2f members=%d\n",
			p.Name, p.Actual, p.Desired, p.Load, len(p.Members))
	}
	return b.String()
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) error {
	path := r.URL.Path
	if !strings.HasPrefix(path, "/") {
		return newClientError(http.StatusBadRequest, "invalid path")
	}
	rel := strings.TrimPrefix(path, "/")
	full := s.staticDir
	for _, part := range strings.Split(rel, "/") {
		if part == "." || part == ".." {
			return newClientError(http.StatusBadRequest, "invalid path")
		}
		full = filepath.Join(full, part)
	}
	if strings.HasSuffix(path, "/") {
		full = filepath.Join(full, "index.html")
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return newClientError(http.StatusNotFound, "no such file: %s", rel)
	}
	http.ServeFile(w, r, full)
	return nil
}
