package httpapi

import (
	"errors"
	"net/http"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/gin-gonic/gin"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrSignature),
		errors.Is(err, common.ErrNoCredentials),
		errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrRefreshTokenMismatch),
		errors.Is(err, common.ErrInsufficientBalance):
		return http.StatusForbidden
	case errors.Is(err, common.ErrValidation),
		errors.Is(err, common.ErrAlreadyExists):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides server-side detail from 5xx responses.
func publicMessage(status int, err error) string {
	switch {
	case status == http.StatusServiceUnavailable:
		return "service temporarily unavailable, retry later"
	case status >= http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	s.abortWithStatus(c, statusFor(err), err)
}

func (s *Server) abortWithStatus(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request.Context(), "request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: publicMessage(status, err), Code: status})
}
