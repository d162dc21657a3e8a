// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/service"
	"github.com/account-aggregator/internal/types"
)

// Service interfaces for dependency injection and testing

// AggregationServiceInterface defines the interface for aggregation operations
type AggregationServiceInterface interface {
	ListAccounts(ctx context.Context, userID string) (*service.AccountsOverview, error)
	GetAccountDetail(ctx context.Context, userID string, provider types.Provider, accountID string) (*models.AccountDetail, error)
}

// DiagnosticsServiceInterface defines the interface for diagnostics operations
type DiagnosticsServiceInterface interface {
	GetReport(ctx context.Context, userID string) (*models.DiagnosticReport, error)
	RunDiagnostics(ctx context.Context, userID string) (*models.DiagnosticReport, error)
}

// RepairServiceInterface defines the interface for repair operations
type RepairServiceInterface interface {
	ExecuteRepair(ctx context.Context, userID, issueID, actionID string) (*service.RepairResult, error)
	ConfirmStep(ctx context.Context, userID, issueID, actionID, stepID string) (*service.RepairResult, error)
	AbandonRepair(ctx context.Context, userID, issueID, actionID string) error
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	aggregation AggregationServiceInterface
	diagnostics DiagnosticsServiceInterface
	repair      RepairServiceInterface
	credentials service.CredentialStore
	config      *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	aggregation *service.AggregationService,
	diagnostics *service.DiagnosticsService,
	repair *service.RepairService,
	credentials service.CredentialStore,
) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		aggregation: aggregation,
		diagnostics: diagnostics,
		repair:      repair,
		credentials: credentials,
		config:      config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	// Middleware order matters: the request ID must exist before anything logs.
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Account aggregation endpoints
	api.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	api.HandleFunc("/accounts/{provider}/{id}", s.handleGetAccountDetail).Methods("GET")

	// Credential lifecycle endpoints
	api.HandleFunc("/credentials", s.handleSaveCredentials).Methods("PUT")
	api.HandleFunc("/credentials/{provider}", s.handleDeleteCredentials).Methods("DELETE")

	// Diagnostics endpoints
	api.HandleFunc("/diagnostics", s.handleGetDiagnostics).Methods("GET")
	api.HandleFunc("/diagnostics", s.handleRunDiagnostics).Methods("POST")

	// Repair endpoints
	api.HandleFunc("/repairs", s.handleExecuteRepair).Methods("POST")
	api.HandleFunc("/repairs/{issueId}/{actionId}/steps/{stepId}/confirm", s.handleConfirmStep).Methods("POST")
	api.HandleFunc("/repairs/{issueId}/{actionId}", s.handleAbandonRepair).Methods("DELETE")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router exposes the underlying router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
