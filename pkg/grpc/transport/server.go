// Package transport runs the persist gRPC service and dials it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/grpc/service"
	"github.com/KevoDB/persist/pkg/persist"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

const (
	defaultKeepAliveTime    = 15 * time.Second
	defaultKeepAliveTimeout = 5 * time.Second
	defaultKeepAlivePolicy  = 5 * time.Second
	defaultMaxConnIdle      = 60 * time.Second
	defaultMaxConnAge       = 5 * time.Minute
	defaultMaxConnAgeGrace  = 5 * time.Second
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Address       string
	TLSEnabled    bool
	TLS           TLSConfig
	MaxBufferSize int
	Logger        log.Logger
}

// Server serves one persist.Service over gRPC.
type Server struct {
	opts     ServerOptions
	server   *grpc.Server
	logger   log.Logger
	mu       sync.Mutex
	listener net.Listener
	started  bool
}

// NewServer prepares a gRPC server for svc. Nothing listens until Start or Serve.
func NewServer(svc *persist.Service, opts ServerOptions) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = log.Component("rpc")
	}

	var serverOpts []grpc.ServerOption
	if opts.TLSEnabled {
		tlsConfig, err := opts.TLS.ServerTLS()
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	serverOpts = append(serverOpts,
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     defaultMaxConnIdle,
			MaxConnectionAge:      defaultMaxConnAge,
			MaxConnectionAgeGrace: defaultMaxConnAgeGrace,
			Time:                  defaultKeepAliveTime,
			Timeout:               defaultKeepAliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             defaultKeepAlivePolicy,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(logRequests(opts.Logger)),
	)

	s := &Server{
		opts:   opts,
		server: grpc.NewServer(serverOpts...),
		logger: opts.Logger,
	}
	service.Register(s.server, service.NewPersistServer(svc, service.Options{
		MaxBufferSize: opts.MaxBufferSize,
		Logger:        opts.Logger,
	}))
	return s, nil
}

func logRequests(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("%s failed in %s: %v", info.FullMethod, time.Since(start), err)
		} else {
			logger.Debug("%s done in %s", info.FullMethod, time.Since(start))
		}
		return resp, err
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Address, err)
	}
	if err := s.attach(lis); err != nil {
		lis.Close()
		return err
	}

	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server error: %v", err)
		}
	}()
	s.logger.Info("serving persist RPCs on %s", lis.Addr())
	return nil
}

// Serve serves on lis and blocks until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.attach(lis); err != nil {
		return err
	}
	return s.server.Serve(lis)
}

func (s *Server) attach(lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	s.listener = lis
	s.started = true
	return nil
}

// Addr is the listening address, or nil before Start or Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight RPCs, or cuts them off once ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
		<-stopped
	}

	s.started = false
	return nil
}
