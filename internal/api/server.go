// Package api serves the backtest service over gRPC.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	"tradecore/internal/config"
)

// Server hosts the gRPC endpoints.
type Server struct {
	addr string
	grpc *grpc.Server
	log  *slog.Logger
}

// NewServer creates a Server listening on cfg.Server and serving svc.
func NewServer(cfg *config.Config, svc BacktestServer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer()
	RegisterBacktestServer(gs, svc)
	return &Server{
		addr: cfg.Server.Addr(),
		grpc: gs,
		log:  log.With("component", "api"),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("grpc server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.log.Info("shutting down grpc server")
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting connections and waits for in-flight calls, or
// stops hard once ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}
