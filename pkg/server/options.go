package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// advertiseCapabilities handles OPTIONS requests on the upload endpoints.
// Stateless: version and extensions only.
func (srv *NexusServer) advertiseCapabilities(ctx echo.Context) error {
	header := ctx.Response().Header()
	header.Set("Tus-Version", tusVersion)
	header.Set("Tus-Extension", tusExtensions)
	return ctx.NoContent(http.StatusNoContent)
}
