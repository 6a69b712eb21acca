package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/scout/internal/monitoring"
)

// Handler serves one unary method.
type Handler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// Server hosts Struct-based services. Handlers must be registered before
// Serve is called.
type Server struct {
	mu       sync.Mutex
	server   *grpc.Server
	services map[string]*grpc.ServiceDesc
	order    []string
	started  bool
	log      *monitoring.Logger
}

// NewServer returns an empty Server.
func NewServer(log *monitoring.Logger, opts ...grpc.ServerOption) *Server {
	base := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}
	return &Server{
		server:   grpc.NewServer(append(base, opts...)...),
		services: make(map[string]*grpc.ServiceDesc),
		log:      log,
	}
}

// Handle registers h as service/method. It panics if called after Serve.
func (s *Server) Handle(service, method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic(fmt.Sprintf("rpc: Handle(%s, %s) after Serve", service, method))
	}
	desc, ok := s.services[service]
	if !ok {
		desc = &grpc.ServiceDesc{
			ServiceName: service,
			HandlerType: (*interface{})(nil),
		}
		s.services[service] = desc
		s.order = append(s.order, service)
	}
	desc.Methods = append(desc.Methods, grpc.MethodDesc{
		MethodName: method,
		Handler:    s.unary(FullMethod(service, method), h),
	})
}

func (s *Server) unary(fullMethod string, h Handler) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			out, err := h(ctx, req.(*structpb.Struct))
			if err != nil {
				s.log.Opsf("%s failed: %v", fullMethod, err)
				return nil, err
			}
			return out, nil
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
	}
}

// Serve registers the handled services and serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if !s.started {
		s.started = true
		for _, name := range s.order {
			s.server.RegisterService(s.services[name], struct{}{})
		}
	}
	s.mu.Unlock()

	s.log.Diagf("gRPC server listening on %s", lis.Addr())
	return s.server.Serve(lis)
}

// ListenAndServe listens on addr and serves until Stop.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.server.GracefulStop()
}
