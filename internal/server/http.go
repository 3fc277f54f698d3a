// Package server exposes the query pipeline over HTTP with JSON bodies.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chattax/chattax/internal/retriever"
	"github.com/chattax/chattax/internal/service"
)

// HTTPServer wraps the HTTP server and its router.
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	rag    *service.RAGService
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
}

// NewHTTPServer creates the HTTP server and mounts all routes.
func NewHTTPServer(cfg HTTPServerConfig, rag *service.RAGService) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &HTTPServer{
		rag:    rag,
		logger: logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)
	router.Route("/api/chat", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Get("/stats", s.handleStats)
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // generation can be slow
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// queryRequestDTO is the wire shape of a query. Pointer fields distinguish
// "absent" from zero so defaults apply correctly.
type queryRequestDTO struct {
	Question          string `json:"question"`
	UserType          string `json:"user_type"`
	TopK              *int   `json:"top_k"`
	UseReranking      *bool  `json:"use_reranking"`
	InitialCandidates *int   `json:"initial_candidates"`
	SessionID         string `json:"session_id"`
}

// degradedResponse is returned when generation failed but retrieval
// succeeded: evidence without prose.
type degradedResponse struct {
	Error      string           `json:"error"`
	Answer     string           `json:"answer"`
	Sources    []service.Source `json:"sources"`
	Confidence float64          `json:"confidence"`
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var dto queryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if dto.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if dto.TopK != nil && (*dto.TopK < service.MinTopK || *dto.TopK > service.MaxTopK) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("top_k must be between %d and %d", service.MinTopK, service.MaxTopK))
		return
	}
	if dto.InitialCandidates != nil && (*dto.InitialCandidates < service.MinInitialCandidates || *dto.InitialCandidates > service.MaxInitialCandidates) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("initial_candidates must be between %d and %d", service.MinInitialCandidates, service.MaxInitialCandidates))
		return
	}

	req := service.QueryRequest{
		Question:     dto.Question,
		UserType:     service.UserType(dto.UserType),
		UseReranking: true,
		SessionID:    dto.SessionID,
	}
	if dto.UserType != "" && !req.UserType.Valid() {
		writeError(w, http.StatusBadRequest, "user_type must be individual, business or professional")
		return
	}
	if dto.TopK != nil {
		req.TopK = *dto.TopK
	}
	if dto.UseReranking != nil {
		req.UseReranking = *dto.UseReranking
	}
	if dto.InitialCandidates != nil {
		req.InitialCandidates = *dto.InitialCandidates
	}

	result, err := s.rag.AnswerQuery(r.Context(), req)
	if err != nil {
		var genErr *service.GenerationError
		switch {
		case errors.As(err, &genErr):
			// Generation failed twice; still return the retrieved evidence.
			writeJSON(w, http.StatusOK, degradedResponse{
				Error:      "answer generation is temporarily unavailable",
				Sources:    genErr.Sources,
				Confidence: genErr.Confidence,
			})
		case errors.Is(err, retriever.ErrEmbedding),
			errors.Is(err, retriever.ErrDimensionMismatch):
			s.logger.Error("retrieval failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "system unavailable")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rag.Stats())
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	stats := s.rag.Stats()
	if stats.VectorCount == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no_index"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				// If no origins specified, allow all in development
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
