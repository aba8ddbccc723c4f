package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenTestStand/internal/interfaces"
	"github.com/KevinKickass/OpenTestStand/internal/types"
)

const (
	defaultArchiveLimit = 50
	maxArchiveLimit     = 1000
)

func (s *Server) archive(c *gin.Context) (interfaces.ArchiveReader, int, bool) {
	archive := s.lm.Archive()
	if archive == nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "Archive is disabled", nil))
		return nil, 0, false
	}

	limit := defaultArchiveLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxArchiveLimit {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalid, "Invalid limit", raw))
			return nil, 0, false
		}
		limit = n
	}
	return archive, limit, true
}

// GET /api/v1/archive/runs
func (s *Server) listArchivedRuns(c *gin.Context) {
	archive, limit, ok := s.archive(c)
	if !ok {
		return
	}
	runs, err := archive.RecentSequenceRuns(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "Failed to query sequence runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// GET /api/v1/archive/commands
func (s *Server) listArchivedCommands(c *gin.Context) {
	archive, limit, ok := s.archive(c)
	if !ok {
		return
	}
	cmds, err := archive.RecentCommands(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "Failed to query commands", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds, "count": len(cmds)})
}
