package grpc

import (
	"context"
	"strconv"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/server/services"
	"github.com/dmitrijs2005/optipress/internal/server/transfer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Optimize reads options and an optional staged path from metadata. Sizes,
// format and the result location come back as header metadata.
func (s *GRPCServer) Optimize(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	acc, ok := accountFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated")
	}

	md, _ := metadata.FromIncomingContext(ctx)
	opts := services.Options{
		Format:  firstValue(md, common.FormatMetadataKey),
		Quality: firstValue(md, common.QualityMetadataKey),
	}

	in := transfer.Input{
		Inline: req.GetValue(),
		Path:   firstValue(md, common.StagedPathMetadataKey),
	}

	res, err := s.optimize.OptimizeAccount(ctx, acc, in, opts)
	if err != nil {
		s.logger.Info(ctx, "plugin optimize failed", "account_id", acc.ID, "error", err)
		return nil, statusFor(err)
	}

	header := metadata.Pairs(
		common.SizeBeforeMetadataKey, strconv.Itoa(res.SizeBefore),
		common.SizeAfterMetadataKey, strconv.Itoa(res.SizeAfter),
		common.FormatMetadataKey, string(res.Format),
	)
	if res.URL != "" {
		header.Set(common.LocationMetadataKey, res.URL)
	}
	if err := grpc.SetHeader(ctx, header); err != nil {
		s.logger.Warn(ctx, "setting response header failed", "error", err)
	}

	return wrapperspb.Bytes(res.Inline), nil
}

func (s *GRPCServer) Credits(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	acc, ok := accountFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated")
	}

	credits, err := s.users.Credits(ctx, acc.ID)
	if err != nil {
		return nil, statusFor(err)
	}
	return wrapperspb.Int64(credits), nil
}
