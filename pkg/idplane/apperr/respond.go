package apperr

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorBody is the JSON error envelope returned by every endpoint.
type ErrorBody struct {
	Code    Kind           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Respond writes err as a JSON error response and aborts the request.
// 5xx failures are logged with their cause; the caller only sees kind and message.
func Respond(c *gin.Context, log *zap.SugaredLogger, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Internal(err)
	}

	status := HTTPStatus(e.Kind)
	if status >= 500 && log != nil {
		log.Errorw("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"kind", e.Kind,
			"error", err,
		)
	}

	c.AbortWithStatusJSON(status, gin.H{"error": ErrorBody{
		Code:    e.Kind,
		Message: e.Message,
		Details: e.Details,
	}})
}

// BindError converts a gin binding failure into a validation error.
func BindError(err error) *Error {
	return &Error{Kind: KindValidation, Message: "Invalid request: " + err.Error()}
}
