package proto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/RocketWill/ByteWhisperer/engine"
	"github.com/RocketWill/ByteWhisperer/monitor"
	"github.com/RocketWill/ByteWhisperer/service"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Server struct {
	detector *service.Detector
	engines  service.EngineLister
	mon      *monitor.Monitor
	log      *zap.Logger

	closeOnce    sync.Once
	CloseChannel chan struct{}
}

func NewServer(d *service.Detector, engines service.EngineLister, mon *monitor.Monitor, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		detector:     d,
		engines:      engines,
		mon:          mon,
		log:          log,
		CloseChannel: make(chan struct{}),
	}
}

// Done is closed once a client asked the server to shut down.
func (s *Server) Done() <-chan struct{} { return s.CloseChannel }

func (s *Server) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	s.mon.Request("grpc", "Detect")
	if len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image data cannot be empty")
	}
	res, err := s.detector.Detect(ctx, "grpc", req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrBadImage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, engine.ErrPoolClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) CheckEngine(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	s.mon.Request("grpc", "CheckEngine")
	return toStruct(service.Status(s.engines))
}

func (s *Server) Shutdown(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	s.mon.Request("grpc", "Shutdown")
	s.closeOnce.Do(func() {
		s.log.Warn("shutdown requested over gRPC")
		close(s.CloseChannel)
	})
	return &emptypb.Empty{}, nil
}

// toStruct goes through JSON so struct tags decide the field names.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// NewGRPCServer registers srv behind logging and panic recovery interceptors.
func NewGRPCServer(srv *Server, log *zap.Logger) *grpc.Server {
	if log == nil {
		log = zap.NewNop()
	}
	recovery := grpc_recovery.WithRecoveryHandler(func(p any) error {
		log.Error("gRPC handler panic", zap.Any("panic", p))
		return status.Errorf(codes.Internal, "panic: %v", p)
	})
	s := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_zap.UnaryServerInterceptor(log),
			grpc_recovery.UnaryServerInterceptor(recovery),
		)),
		grpc.MaxRecvMsgSize(32<<20),
	)
	RegisterDetectServiceServer(s, srv)
	return s
}

// Serve listens on port until ctx is done, then stops gracefully.
func Serve(ctx context.Context, s *grpc.Server, port int, log *zap.Logger) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	log.Info("gRPC server listening", zap.Int("port", port))
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
