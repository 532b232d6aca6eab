package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// inspectUpload handles HEAD /api/upload/tus/:id requests so a client can
// re-sync its offset.
func (srv *NexusServer) inspectUpload(ctx echo.Context) error {
	sess, err := srv.manager.Inspect(ctx.Param("id"))
	if err != nil {
		return protocolError(ctx, err)
	}

	header := ctx.Response().Header()
	header.Set("Cache-Control", "no-store")
	header.Set("Upload-Offset", strconv.FormatInt(sess.Offset, 10))
	header.Set("Upload-Length", strconv.FormatInt(sess.Size, 10))
	if sess.Partial {
		header.Set("Upload-Concat", "partial")
	}
	return ctx.NoContent(http.StatusOK)
}
