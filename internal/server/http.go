package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/rollout/internal/core"
	"github.com/matt-riley/rollout/internal/middleware"
	"github.com/matt-riley/rollout/internal/service"
)

const (
	defaultMaxJSONBodyBytes int64 = 1 << 20
	defaultAuditLogLimit          = 50
	maxAuditLogLimit              = 500
	unmatchedRoute                = "unmatched"
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPOption configures optional HTTPServer parameters.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize sets the maximum allowed JSON request body size in bytes.
// Values <= 0 are ignored.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

// WithMetrics serves GET /metrics from m and records every request on it.
func WithMetrics(m Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithAuditLog serves GET /v1/audit-log from reader.
func WithAuditLog(reader AuditLogReader) HTTPOption {
	return func(s *HTTPServer) { s.auditLog = reader }
}

type HTTPServer struct {
	service         Service
	metrics         Metrics
	auditLog        AuditLogReader
	maxJSONBodySize int64
}

type healthResponse struct {
	Status          string `json:"status"`
	SnapshotVersion uint64 `json:"snapshot_version"`
	Flags           int    `json:"flags"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// NewHTTPHandler builds the JSON API. Mutating routes and the audit log
// require a write-capable principal in the request context.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:         svc,
		maxJSONBodySize: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	writeOnly := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireWriteAccess(h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/flags", writeOnly(server.handleCreateFlag))
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{name}", server.handleGetFlag)
	mux.Handle("PUT /v1/flags/{name}", writeOnly(server.handleUpdateFlag))
	mux.Handle("DELETE /v1/flags/{name}", writeOnly(server.handleDeleteFlag))
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	if server.auditLog != nil {
		mux.Handle("GET /v1/audit-log", writeOnly(server.handleAuditLog))
	}
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = unmatchedRoute
		}
		s.metrics.ObserveHTTPRequest(r.Method, route, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag service.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	created, err := s.service.CreateFlag(withActor(r.Context()), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	var flag service.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Name) != "" && flag.Name != name {
		writeJSONError(w, http.StatusBadRequest, "path name and body name must match")
		return
	}
	flag.Name = name

	updated, err := s.service.UpdateFlag(withActor(r.Context()), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.service.DeleteFlag(withActor(r.Context()), name); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	names, evalContext, err := prepareEvaluation(r.Context(), request)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var results map[string]core.EvaluationResult
	if len(names) == 1 && request.Flag != "" {
		result, err := s.service.Evaluate(r.Context(), names[0], evalContext)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		results = map[string]core.EvaluationResult{names[0]: result}
	} else {
		results, err = s.service.EvaluateBatch(r.Context(), names, evalContext)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, evaluateResponse{Results: results})
}

func (s *HTTPServer) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.TenantID) == "" {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	limit, offset, err := parsePagination(r.URL.Query().Get("limit"), r.URL.Query().Get("offset"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	entries, err := s.auditLog.ListAuditLog(r.Context(), principal.TenantID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	info := s.service.Snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		SnapshotVersion: info.Version,
		Flags:           info.Flags,
	})
}

func parsePagination(rawLimit, rawOffset string) (int, int, error) {
	limit := defaultAuditLogLimit
	if rawLimit = strings.TrimSpace(rawLimit); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 1 || parsed > maxAuditLogLimit {
			return 0, 0, badRequest("limit must be between 1 and %d", maxAuditLogLimit)
		}
		limit = parsed
	}

	offset := 0
	if rawOffset = strings.TrimSpace(rawOffset); rawOffset != "" {
		parsed, err := strconv.Atoi(rawOffset)
		if err != nil || parsed < 0 {
			return 0, 0, badRequest("offset must be a non-negative integer")
		}
		offset = parsed
	}

	return limit, offset, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		writeJSONError(w, http.StatusBadRequest, reqErr.message)
	case errors.Is(err, service.ErrInvalidFlag):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   serviceErrorMessage(err),
			Details: configurationDetails(err),
		})
	case errors.Is(err, service.ErrNameRequired), errors.Is(err, service.ErrBatchTooLarge):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagExists):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidFlag):
		return "invalid flag"
	case errors.Is(err, service.ErrNameRequired):
		return "flag name is required"
	case errors.Is(err, service.ErrBatchTooLarge):
		return "too many flags in batch"
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrFlagExists):
		return "flag already exists"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func configurationDetails(err error) []string {
	problems := core.ConfigurationErrors(err)
	if len(problems) == 0 {
		return nil
	}

	details := make([]string, 0, len(problems))
	for _, problem := range problems {
		details = append(details, problem.Error())
	}
	return details
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	return decodeStrictJSON(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize), dst)
}

// decodeStrictJSON decodes exactly one JSON value, rejecting unknown fields.
func decodeStrictJSON(body io.Reader, dst any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
