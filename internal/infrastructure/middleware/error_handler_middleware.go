package middleware

import (
	"net/http"

	"callengine/pkg/errors"
	"callengine/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse is the JSON body of every failed API request.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorHandlerMiddleware renders the last error attached by a handler.
// AppErrors keep their code and status; anything else becomes a 500. Log
// entries carry the request, call, room and trace ids of the request context.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log.Desugar())
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		ctx := c.Request.Context()
		appErr := errors.GetAppError(err)
		if appErr == nil {
			cl.LogError(ctx, err, "unhandled error",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   string(errors.ErrCodeInternal),
				Message: "Internal server error",
			})
			return
		}

		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		fields := []interface{}{
			"code", appErr.Code,
			"message", appErr.Message,
			"status", status,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		}
		if appErr.Cause != nil {
			fields = append(fields, "cause", appErr.Cause.Error())
		}
		if status >= http.StatusInternalServerError {
			cl.Sugared(ctx).Errorw("application error", fields...)
		} else {
			cl.Sugared(ctx).Infow("request rejected", fields...)
		}
		c.JSON(status, ErrorResponse{
			Error:   string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Context,
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log.Desugar())
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				cl.Sugared(c.Request.Context()).Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				abortWithError(c, errors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}

func abortWithError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, ErrorResponse{
		Error:   string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Context,
	})
}
