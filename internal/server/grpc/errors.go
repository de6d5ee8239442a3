package grpc

import (
	"errors"

	"github.com/dmitrijs2005/optipress/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func codeFor(err error) codes.Code {
	var te *common.TransformError
	switch {
	case errors.Is(err, common.ErrNoCredentials),
		errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrInvalidToken):
		return codes.Unauthenticated
	case errors.Is(err, common.ErrRefreshTokenMismatch),
		errors.Is(err, common.ErrInsufficientBalance):
		return codes.PermissionDenied
	case errors.Is(err, common.ErrAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, common.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, common.ErrorNotFound):
		return codes.NotFound
	case errors.Is(err, common.ErrTimeout):
		return codes.Unavailable
	case errors.As(err, &te) && te.Transient:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// statusFor converts a service error into a gRPC status. Internal failures
// carry a generic message.
func statusFor(err error) error {
	code := codeFor(err)
	switch code {
	case codes.Internal:
		return status.Error(code, "internal error")
	case codes.Unavailable:
		return status.Error(code, "temporarily unavailable, retry later")
	default:
		return status.Error(code, err.Error())
	}
}
