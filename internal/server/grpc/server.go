// Package grpc serves the plugin API over gRPC.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/pluginapi"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/services"
	"google.golang.org/grpc"
)

// msgOverhead leaves room for protobuf framing around an inline image.
const msgOverhead = 64 << 10

type GRPCServer struct {
	pluginapi.UnimplementedPluginServiceServer
	address    string
	auth       services.Authenticator
	optimize   *services.OptimizeService
	users      *services.UserService
	metrics    *metrics.Metrics
	logger     logging.Logger
	maxMsgSize int
}

func NewGRPCServer(a string, l logging.Logger, m *metrics.Metrics, auth services.Authenticator,
	ops *services.OptimizeService, us *services.UserService, inlineThreshold int) *GRPCServer {
	return &GRPCServer{
		address:    a,
		logger:     l.With("module", "grpc_server"),
		metrics:    m,
		auth:       auth,
		optimize:   ops,
		users:      us,
		maxMsgSize: inlineThreshold + msgOverhead,
	}
}

// newServer builds the grpc.Server with interceptors and the plugin service
// registered.
func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(s.maxMsgSize),
		grpc.MaxSendMsgSize(s.maxMsgSize),
		grpc.ChainUnaryInterceptor(s.metricsInterceptor, s.identityInterceptor),
	)
	pluginapi.RegisterPluginServiceServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.address)

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
