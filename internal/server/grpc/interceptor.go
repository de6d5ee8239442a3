package grpc

import (
	"context"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/identity"
	"github.com/dmitrijs2005/optipress/internal/server/models"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const accountKey ctxKey = "account"

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// identityInterceptor resolves the caller from the x-api-key or
// authorization metadata using the same chain as the HTTP API.
func (s *GRPCServer) identityInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	correlationID := firstValue(md, "x-correlation-id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = logging.WithCorrelationID(ctx, correlationID)

	creds := identity.FromHeaders(
		firstValue(md, common.APIKeyMetadataKey),
		firstValue(md, common.AuthorizationMetadataKey),
	)

	acc, err := s.auth.Resolve(ctx, creds)
	if err != nil {
		s.logger.Debug(ctx, "rejected plugin call", "method", info.FullMethod, "error", err)
		return nil, statusFor(err)
	}

	ctx = context.WithValue(ctx, accountKey, acc)
	return handler(ctx, req)
}

func (s *GRPCServer) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	s.metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String())
	return resp, err
}

func accountFrom(ctx context.Context) (*models.Account, bool) {
	acc, ok := ctx.Value(accountKey).(*models.Account)
	return acc, ok
}
