package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"nexusfs/pkg/log"
	"nexusfs/pkg/upload"
)

// createUpload handles POST /api/upload/tus requests: new sessions, resume by
// fingerprint, and final concatenation of partial uploads.
func (srv *NexusServer) createUpload(ctx echo.Context) error {
	length := int64(-1)
	if raw := ctx.Request().Header.Get("Upload-Length"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return ctx.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid Upload-Length header",
			})
		}
		length = parsed
	}

	result, err := srv.manager.Create(ctx.Request().Context(), upload.CreateRequest{
		Length:         length,
		MetadataHeader: ctx.Request().Header.Get("Upload-Metadata"),
		ConcatHeader:   ctx.Request().Header.Get("Upload-Concat"),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Upload create rejected")
		return protocolError(ctx, err)
	}

	sess := result.Session
	header := ctx.Response().Header()
	header.Set("Location", "/api/upload/tus/"+sess.ID)
	header.Set("Upload-Offset", strconv.FormatInt(sess.Offset, 10))

	if result.Existing {
		// An active session for the same fingerprint already holds bytes;
		// the client resumes instead of starting over.
		return ctx.NoContent(http.StatusOK)
	}
	return ctx.NoContent(http.StatusCreated)
}
