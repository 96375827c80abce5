package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	apperr "github.com/relaydev/relay/internal/common/errors"
)

// writeError renders a domain error with its mapped HTTP status. Non-AppError
// values surface as opaque 500s so internal details never leak.
func writeError(c *gin.Context, err error) {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		appErr = apperr.InternalError("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}
