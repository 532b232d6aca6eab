// Package server exposes the upload core over HTTP: the resumable-upload
// endpoints plus the file index query surface consumed by surrounding CRUD
// routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"nexusfs/pkg/index"
	"nexusfs/pkg/log"
	"nexusfs/pkg/upload"
)

const shutdownTimeout = 10

// Protocol constants advertised to clients.
const (
	tusVersion     = "1.0.0"
	tusExtensions  = "creation,termination,concatenation"
	tusContentType = "application/offset+octet-stream"
)

// NexusServer serves the upload protocol and the file index.
type NexusServer struct {
	echo    *echo.Echo
	manager *upload.Manager
	index   *index.Store
	version string
}

// NewNexusServer creates a server over the protocol manager and file index.
func NewNexusServer(manager *upload.Manager, indexStore *index.Store, version string) *NexusServer {
	return &NexusServer{
		echo:    echo.New(),
		manager: manager,
		index:   indexStore,
		version: version,
	}
}

// Start runs the server until an interrupt or termination signal arrives,
// then shuts down gracefully.
func (srv *NexusServer) Start(addr string) error {
	srv.setupRoutes()

	go func() {
		log.Info().
			Str("addr", addr).
			Str("version", srv.version).
			Msg("Starting nexus server")

		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server startup failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return srv.Shutdown()
}

// Shutdown stops accepting requests and drains in-flight completion work.
func (srv *NexusServer) Shutdown() error {
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout*time.Second)
	defer cancel()

	if err := srv.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}

	srv.manager.Stop()

	log.Info().Msg("Server gracefully stopped")
	return nil
}

func (srv *NexusServer) setupRoutes() {
	srv.echo.HideBanner = true
	srv.echo.HidePort = true
	srv.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${status} ${method} ${uri} (${latency_human})\n",
	}))
	srv.echo.Use(middleware.Recover())

	tus := srv.echo.Group("/api/upload/tus", tusHeaders)
	tus.POST("", srv.createUpload)
	tus.OPTIONS("", srv.advertiseCapabilities)
	tus.HEAD("/:id", srv.inspectUpload)
	tus.PATCH("/:id", srv.appendChunk)
	tus.DELETE("/:id", srv.terminateUpload)
	tus.OPTIONS("/:id", srv.advertiseCapabilities)

	srv.echo.GET("/api/files/:owner", srv.listFiles)
}

// tusHeaders stamps the protocol version on every upload response.
func tusHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		ctx.Response().Header().Set("Tus-Resumable", tusVersion)
		return next(ctx)
	}
}

// protocolError maps the upload error taxonomy onto HTTP statuses.
func protocolError(ctx echo.Context, err error) error {
	switch {
	case errors.Is(err, upload.ErrAuthentication):
		return ctx.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
	case errors.Is(err, upload.ErrValidation):
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, upload.ErrOffsetConflict):
		return ctx.JSON(http.StatusConflict, map[string]string{"error": "upload offset mismatch"})
	case errors.Is(err, upload.ErrNotFound):
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "upload not found"})
	case errors.Is(err, upload.ErrUnsupportedMediaType):
		return ctx.JSON(http.StatusUnsupportedMediaType, map[string]string{"error": "unsupported media type"})
	default:
		log.Error().Err(err).Msg("Upload request failed")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
