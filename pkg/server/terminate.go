package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// terminateUpload handles DELETE /api/upload/tus/:id requests.
func (srv *NexusServer) terminateUpload(ctx echo.Context) error {
	if err := srv.manager.Cancel(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return protocolError(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}
