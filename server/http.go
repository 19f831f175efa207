// Package server provides the HTTP signing gateway used by the media client.
// It exchanges storage keys for presigned view URLs, hands out presigned
// upload targets and serves the record and category endpoints.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/catalog"
	"github.com/wolfeidau/signed-media/telemetry"
	"github.com/wolfeidau/signed-media/upstream"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// Signer presigns view and upload URLs for a user.
type Signer interface {
	ViewURL(ctx context.Context, user, key string) (string, error)
	UploadTarget(ctx context.Context, user, contentType, hint string) (upstream.UploadTarget, error)
}

// CategoryStore is the category service plus plain creation.
type CategoryStore interface {
	catalog.Service
	CreateCategory(ctx context.Context, name, content string) (catalog.Category, error)
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables bearer authentication when set.
	AuthToken string

	// DefaultUser is used when the request carries no X-User-ID header.
	DefaultUser string

	// Signer is required.
	Signer Signer

	// Records serves PATCH /records/{id} when set.
	Records upstream.RecordPersister

	// Categories serves the /category endpoints when set.
	Categories CategoryStore

	// Logger for the server
	Logger *slog.Logger
}

// Server is the signing gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	handler    http.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Signer == nil {
		return nil, errors.New("server: signer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(requireBearer(cfg.AuthToken, mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /getViewUrl", s.handleViewURL)
	mux.HandleFunc("POST /getUploadUrl", s.handleUploadURL)

	if s.config.Records != nil {
		mux.HandleFunc("PATCH /records/{id}", s.handlePersist)
	}

	if s.config.Categories != nil {
		mux.HandleFunc("GET /category/get-all-categories", s.handleListCategories)
		mux.HandleFunc("PATCH /category/edit-category", s.handleEditCategory)
		mux.HandleFunc("DELETE /category/delete-category", s.handleDeleteCategory)
		mux.HandleFunc("POST /category/create-category", s.handleCreateCategory)
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleViewURL(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "view_url")
	user := s.userID(r)

	key := r.URL.Query().Get("key")
	if strings.TrimSpace(key) == "" {
		writeError(w, &signedmedia.ValidationError{Field: "key", Reason: "is required"})
		return
	}
	telemetry.SetEndpoint(r, key)

	u, err := s.config.Signer.ViewURL(r.Context(), user, key)
	if err != nil {
		s.logger.Debug("view url refused", "user", user, "key", key, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "upload_url")
	user := s.userID(r)

	var in struct {
		ContentType string `json:"contentType"`
		Hint        string `json:"hint"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}

	target, err := s.config.Signer.UploadTarget(r.Context(), user, in.ContentType, in.Hint)
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.SetEndpoint(r, target.Key)
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "persist")
	id := r.PathValue("id")

	var in struct {
		Field string `json:"field"`
		Value any    `json:"value"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.config.Records.PersistRecordField(r.Context(), id, in.Field, in.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "category_list")
	list, err := s.config.Categories.ListCategories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []catalog.Category{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleEditCategory(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "category_edit")
	var in struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.config.Categories.EditCategory(r.Context(), in.ID, in.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "category_delete")
	var in struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := s.config.Categories.DeleteCategory(r.Context(), in.ID, in.Name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateCategory creates a category, or with restore set recreates a
// deleted one under its original id.
func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "category_create")
	var in struct {
		catalog.Category
		Restore bool `json:"restore"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}

	var (
		c   catalog.Category
		err error
	)
	if in.Restore {
		c, err = s.config.Categories.RestoreCategory(r.Context(), in.Category)
	} else {
		c, err = s.config.Categories.CreateCategory(r.Context(), in.Name, in.Content)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// userID returns the caller identity set by the fronting authorizer.
func (s *Server) userID(r *http.Request) string {
	user := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if user == "" {
		user = s.config.DefaultUser
	}
	telemetry.SetUserID(r, user)
	return user
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return &signedmedia.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps domain errors to status codes. Internal errors are not
// echoed to the caller.
func writeError(w http.ResponseWriter, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, signedmedia.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, signedmedia.ErrForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, signedmedia.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, signedmedia.ErrConflict):
		status, msg = http.StatusConflict, err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set operation, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Operation != "" {
			attrs = append(attrs, "operation", tags.Operation)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.UserID != "" {
			attrs = append(attrs, "user", tags.UserID)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
