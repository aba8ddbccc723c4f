package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenTestStand/internal/auth"
	"github.com/KevinKickass/OpenTestStand/internal/types"
)

// Login request/response types
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
	Role        string `json:"role"`
}

// Auth handlers
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalid, "Invalid request body", err.Error()))
		return
	}

	if !s.authService.Enabled() {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "Authentication is disabled", nil))
		return
	}

	token, expiresAt, principal, err := s.authService.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeUnauthorized, "Invalid credentials", nil))
			return
		}
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "Login failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expiresAt).Seconds()),
		Role:        principal.Role,
	})
}

func (s *Server) getCurrentUser(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeUnauthorized, "Not authenticated", nil))
		return
	}
	c.JSON(http.StatusOK, principal)
}

func authPrincipal(c *gin.Context) (string, bool) {
	p, ok := auth.GetPrincipal(c)
	return p.Name, ok
}
