package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error is an application error carrying the HTTP status it maps to.
// Message is safe to show to any caller; Detail is only shown to admins.
type Error struct {
	Code    int    `json:"-"`
	Reason  string `json:"code,omitempty"`
	Message string `json:"error"`
	Detail  string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// WithReason sets a machine-readable reason code.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// New creates a new Error
func New(code int, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, message, nil)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, message, nil)
}

func Conflict(message string) *Error {
	return New(http.StatusConflict, message, nil)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, message, nil)
}

// Upstream reports a failed call to an external provider. The provider's
// message is kept as Detail.
func Upstream(message string, err error) *Error {
	e := New(http.StatusBadGateway, message, err)
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func Internal(err error) *Error {
	return New(http.StatusInternalServerError, "Internal server error", err)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ErrorMiddleware renders the last error attached with c.Error. Unknown errors
// become a generic 500. Detail is only rendered when showDetail approves the caller.
func ErrorMiddleware(logger *zap.Logger, showDetail func(*gin.Context) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr, ok := As(err)
		if !ok {
			logger.Error("Unhandled request error",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			appErr = Internal(err)
		} else if appErr.Code >= http.StatusInternalServerError {
			logger.Error("Request failed",
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", appErr.Code),
				zap.Error(appErr),
			)
		}

		body := gin.H{"error": appErr.Message}
		if appErr.Reason != "" {
			body["code"] = appErr.Reason
		}
		if appErr.Detail != "" && showDetail != nil && showDetail(c) {
			body["details"] = appErr.Detail
		}
		c.AbortWithStatusJSON(appErr.Code, body)
	}
}
