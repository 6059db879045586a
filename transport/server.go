// Package transport builds and runs gRPC servers/clients over TCP or Unix
// domain sockets, and provides generics-based helpers for wiring plain Go
// struct handlers into grpc.ServiceDesc values without protoc-gen-go-grpc
// stubs (see ../pb/codec.go for the companion wire codec).
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/angzarr-io/angzarr/config"
)

// Listen opens a net.Listener for cfg's transport, creating the UDS parent
// directory and removing a stale socket file first.
func Listen(cfg *config.Config) (net.Listener, func(), error) {
	network, address := cfg.ListenTarget()
	if network == "unix" {
		_ = os.MkdirAll(dirOf(address), 0o755)
		_ = os.Remove(address)
	}
	lis, err := net.Listen(network, address)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	cleanup := func() {
		if network == "unix" {
			_ = os.Remove(address)
		}
	}
	return lis, cleanup, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// NewServer returns a grpc.Server with health checking and optional
// reflection, with the service descriptors already registered.
func NewServer(serviceName string, reflect bool, descs ...*grpc.ServiceDesc) *grpc.Server {
	server := grpc.NewServer()
	for _, d := range descs {
		server.RegisterService(d, nil)
	}
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthSrv)
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	if serviceName != "" {
		healthSrv.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	if reflect {
		reflection.Register(server)
	}
	return server
}

// Run serves server on lis until SIGINT/SIGTERM, then gracefully stops and
// runs cleanup. Blocks until shutdown completes.
func Run(ctx context.Context, log *zap.Logger, server *grpc.Server, lis net.Listener, cleanup func()) error {
	defer cleanup()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		log.Info("shutting down")
		server.GracefulStop()
	}()

	log.Info("serving", zap.String("addr", lis.Addr().String()))
	if err := server.Serve(lis); err != nil {
		return err
	}
	return nil
}
