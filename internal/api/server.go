package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/api/dto"
	"github.com/diogoX451/ubiquia-flow/internal/core/service"
)

const Version = "0.1.0"

// Server encapsula todas dependências da API
type Server struct {
	router  *chi.Mux
	manager *service.GraphManager
	dynamic http.Handler
	logger  *zap.Logger
}

// NewServer cria server com dependências injetadas. Rotas que não são da API de
// gestão caem na tabela dinâmica dos adapters.
func NewServer(manager *service.GraphManager, dynamic http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:  chi.NewRouter(),
		manager: manager,
		dynamic: dynamic,
		logger:  logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(jsonContentType)
}

func (s *Server) setupRoutes() {
	// Health
	s.router.Get("/health", s.handleHealth)

	// API v1
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/graphs", s.handleDeployGraph)
		r.Get("/graphs", s.handleListGraphs)
		r.Get("/graphs/{name}", s.handleGetGraph)
		r.Delete("/graphs/{name}", s.handleTeardownGraph)
		r.Get("/graphs/{name}/adapters/{adapter}/back-pressure", s.handleBackPressure)
	})

	if s.dynamic != nil {
		s.router.NotFound(s.dynamic.ServeHTTP)
		s.router.MethodNotAllowed(s.dynamic.ServeHTTP)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler: Health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, dto.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		Graphs:    len(s.manager.Deployed()),
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

// Helper: JSON content-type
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Helper: Responder JSON
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Helper: Responder erro
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, dto.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
