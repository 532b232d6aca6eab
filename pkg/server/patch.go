package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"nexusfs/pkg/upload"
)

// appendChunk handles PATCH /api/upload/tus/:id requests. The declared offset
// must match the stored one exactly; anything else is a conflict the client
// resolves with a HEAD.
func (srv *NexusServer) appendChunk(ctx echo.Context) error {
	if ctx.Request().Header.Get(echo.HeaderContentType) != tusContentType {
		return protocolError(ctx, upload.ErrUnsupportedMediaType)
	}

	declaredOffset, err := strconv.ParseInt(ctx.Request().Header.Get("Upload-Offset"), 10, 64)
	if err != nil || declaredOffset < 0 {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid Upload-Offset header",
		})
	}

	newOffset, err := srv.manager.Append(
		ctx.Request().Context(),
		ctx.Param("id"),
		declaredOffset,
		ctx.Request().ContentLength,
		ctx.Request().Body,
	)
	if err != nil {
		return protocolError(ctx, err)
	}

	ctx.Response().Header().Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
	return ctx.NoContent(http.StatusNoContent)
}
