package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"nexusfs/pkg/log"
	"nexusfs/pkg/models"
)

// listFilesResponse is the file index query surface consumed by the
// surrounding CRUD routes.
type listFilesResponse struct {
	Owner      string             `json:"owner"`
	Files      []models.FileEntry `json:"files"`
	TotalBytes int64              `json:"total_bytes"`
}

// listFiles handles GET /api/files/:owner requests.
func (srv *NexusServer) listFiles(ctx echo.Context) error {
	ownerID := ctx.Param("owner")

	entries, err := srv.index.List(ownerID)
	if err != nil {
		log.Error().Err(err).Str("owner", ownerID).Msg("Failed to list files")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}

	total, err := srv.index.UsageBytes(ownerID)
	if err != nil {
		log.Error().Err(err).Str("owner", ownerID).Msg("Failed to compute usage")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}

	if entries == nil {
		entries = []models.FileEntry{}
	}
	return ctx.JSON(http.StatusOK, listFilesResponse{
		Owner:      ownerID,
		Files:      entries,
		TotalBytes: total,
	})
}
