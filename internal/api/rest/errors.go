package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenTestStand/internal/dispatch"
	"github.com/KevinKickass/OpenTestStand/internal/engine"
	"github.com/KevinKickass/OpenTestStand/internal/link"
	"github.com/KevinKickass/OpenTestStand/internal/sequence"
	"github.com/KevinKickass/OpenTestStand/internal/types"
)

// respondError maps engine errors onto HTTP statuses and the error envelope.
func respondError(c *gin.Context, message string, err error) {
	var (
		conflict     *sequence.ConflictError
		notFound     *sequence.NotFoundError
		confirmation *sequence.ConfirmationRequiredError
		invalid      *dispatch.InvalidCommandError
	)

	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, types.NewErrorResponse(types.CodeConflict, message,
			gin.H{"reason": err.Error(), "active": conflict.Active}))
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, message, err.Error()))
	case errors.As(err, &confirmation):
		c.JSON(http.StatusPreconditionRequired, types.NewErrorResponse(types.CodeConfirmationRequired, message, err.Error()))
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalid, message, err.Error()))
	case errors.Is(err, engine.ErrUnknownActuator):
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, message, err.Error()))
	case errors.Is(err, link.ErrAlreadyConnected):
		c.JSON(http.StatusConflict, types.NewErrorResponse(types.CodeConflict, message, err.Error()))
	case errors.Is(err, dispatch.ErrNotConnected), errors.Is(err, engine.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeNotConnected, message, err.Error()))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusGatewayTimeout, types.NewErrorResponse(types.CodeInternal, message, err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, message, err.Error()))
	}
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalid, message, err.Error()))
}
