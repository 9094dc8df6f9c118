package api

import (
	"errors"
	"fmt"
	"net/http"

	"storefront-payments/internal/domain"
	"storefront-payments/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AppError is what handlers return to the client.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// toAppError maps domain errors onto HTTP statuses.
func toAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return NewAppError(http.StatusNotFound, "not found", err)
	case errors.Is(err, domain.ErrInvalidCart), errors.Is(err, domain.ErrInvalidAmount):
		return NewAppError(http.StatusUnprocessableEntity, err.Error(), err)
	case errors.Is(err, domain.ErrStaleTransition):
		return NewAppError(http.StatusConflict, "intent state changed", err)
	case errors.Is(err, domain.ErrCycleInProgress):
		return NewAppError(http.StatusConflict, "reconciliation already running", err)
	case errors.Is(err, domain.ErrMemoCollision), errors.Is(err, domain.ErrLedgerUnavailable):
		return NewAppError(http.StatusServiceUnavailable, "try again later", err)
	default:
		return NewAppError(http.StatusInternalServerError, "internal server error", err)
	}
}

func abortWithError(c *gin.Context, err error) {
	appErr := toAppError(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(appErr.Code, gin.H{"error": appErr})
}

// abort is abortWithError plus a server-side log line for 5xx responses.
func (s *Server) abort(c *gin.Context, err error) {
	if appErr := toAppError(err); appErr.Code >= http.StatusInternalServerError {
		logger.FromContext(c, s.logger).Error("request failed",
			zap.String("route", c.FullPath()),
			zap.Error(err),
		)
	}
	abortWithError(c, err)
}
