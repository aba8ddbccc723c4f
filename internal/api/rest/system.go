package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus(c.Request.Context())
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// the request context ends with this handler
	go func() {
		s.lm.Shutdown(context.Background())
	}()
}
