// Package api is the dispatcher's HTTP surface (spec §4.5/§6): POST
// /process and GET /status/:chunk_id route to the Dispatcher's chunk
// workers; POST /extract-metadata and POST /validate-metadata are
// synchronous helpers that share no state with the chunk engine.
//
// Grounded on pkg/api/server.go's Echo v5 server shape (route groups,
// BodyLimit, a GET /health endpoint) and pkg/api/handler_alert.go's
// bind-validate-call-map-respond handler idiom.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/arke-institute/pinax/pkg/chunk"
	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/extractor"
	"github.com/arke-institute/pinax/pkg/store"
	"github.com/arke-institute/pinax/pkg/version"
)

// Dispatcher is the subset of *dispatcher.Dispatcher the server needs.
type Dispatcher interface {
	Process(ctx context.Context, req chunk.ProcessRequest) (chunk.AdmitResult, error)
	Status(ctx context.Context, chunkID string) (chunk.StatusResult, error)
}

// SyncExtractor is the subset of *extractor.Extractor the synchronous
// /extract-metadata endpoint needs.
type SyncExtractor interface {
	Extract(ctx context.Context, bundle *chunkmodel.ContextBundle, req extractor.Request) (extractor.Result, error)
}

// Server is the dispatcher's HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	dispatcher Dispatcher
	extractor  SyncExtractor
	dbClient   *store.Client
}

// NewServer creates a new API server with Echo v5, wired to the given
// dispatcher (for /process, /status), extractor (for /extract-metadata),
// and store client (for the health check).
func NewServer(dispatcher Dispatcher, extractor SyncExtractor, dbClient *store.Client) *Server {
	e := echo.New()
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{
		echo:       e,
		dispatcher: dispatcher,
		extractor:  extractor,
		dbClient:   dbClient,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers every route (spec §6 "HTTP surface of the
// dispatcher").
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(corsMiddleware())
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)

	s.echo.POST("/process", s.processHandler)
	s.echo.GET("/status/:chunk_id", s.statusHandler)
	s.echo.POST("/extract-metadata", s.extractMetadataHandler)
	s.echo.POST("/validate-metadata", s.validateMetadataHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health, reporting database reachability
// (spec's design-notes "Health endpoint", grounded on
// pkg/api/server.go's healthHandler + pkg/database/health.go).
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	health, err := s.dbClient.Health(reqCtx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, &HealthResponse{
			Status:  "unhealthy",
			Version: version.Full(),
			Error:   err.Error(),
		})
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:           health.Status,
		Version:          version.Full(),
		DBResponseTimeMS: health.ResponseTime.Milliseconds(),
	})
}
