// Command coordinator runs the session coordinator (spec §4.2): it accepts
// participant connections, assigns sequence numbers, persists and fans out
// the session history, and serves the operational HTTP and gRPC surfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"github.com/worldbus/worldbus/internal/config"
	"github.com/worldbus/worldbus/internal/coordinator"
	"github.com/worldbus/worldbus/internal/httpapi"
	"github.com/worldbus/worldbus/internal/logging"
	"github.com/worldbus/worldbus/internal/observerrpc"
)

func main() {
	cfg, err := config.LoadCoordinatorConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags take precedence over the WORLDBUS_* environment defaults just
	// loaded above (spec §6's CLI surface, SPEC_FULL §10.2).
	flag.StringVar(&cfg.SessionDir, "session-dir", cfg.SessionDir, "path to the session directory")
	flag.Parse()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	coord, err := coordinator.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize coordinator", logging.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coord.RunCheckpointLoop(ctx, cfg.CheckpointInterval)

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&observerrpc.ServiceDesc, observerrpc.NewService(
		observerrpc.StreamAdapter{Stream: coord.Stream()},
		coord,
	))
	go func() {
		listener, err := net.Listen("tcp", cfg.ObserverRPCAddr)
		if err != nil {
			logger.Fatal("failed to start gRPC listener", logging.Error(err), logging.String("address", cfg.ObserverRPCAddr))
		}
		logger.Info("observer gRPC server listening", logging.String("address", cfg.ObserverRPCAddr))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC server terminated", logging.Error(err))
		}
	}()
	defer grpcServer.GracefulStop()

	mux := http.NewServeMux()
	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Readiness:   coord,
		Stats:       coord.Stats,
		Bandwidth:   coord.BandwidthRegulator(),
		ClientStats: coord.ClientMetrics(),
		Reset:       httpapi.ResetterFunc(coord.Reset),
		Roster:      coord.Roster(),
		Watch:       coord.Stream(),
		AdminToken:  cfg.AdminToken,
	})
	opsHandlers.Register(mux)
	statusServer := &http.Server{Addr: cfg.StatusAddr, Handler: logging.HTTPTraceMiddleware(logger)(mux)}
	go func() {
		logger.Info("status server listening", logging.String("address", cfg.StatusAddr))
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server terminated", logging.Error(err))
		}
	}()
	defer statusServer.Close()

	logger.Info("coordinator listening", logging.String("address", cfg.Address), logging.String("session_dir", cfg.SessionDir))

	errCh := make(chan error, 1)
	go func() { errCh <- coord.Listen(ctx, cfg.Address) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, closing coordinator")
		if err := coord.Close(); err != nil {
			logger.Warn("coordinator close returned an error", logging.Error(err))
		}
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Fatal("coordinator terminated", logging.Error(err))
		}
	}
}
