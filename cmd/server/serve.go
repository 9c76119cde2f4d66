package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	grpcadapter "github.com/simaogato/tokenwallet-backend/internal/adapter/grpc"
	"github.com/simaogato/tokenwallet-backend/internal/adapter/httpapi"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/reconciler"
)

const shutdownTimeout = 15 * time.Second

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wallet gRPC API and the operator HTTP endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply database migrations on startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, cfg, logger, !skipMigrations)
	if err != nil {
		return err
	}
	defer a.Close()

	// gRPC server with the auth, logging and rate limit chain
	interceptors := []grpclib.UnaryServerInterceptor{
		grpcadapter.AuthInterceptor(cfg.GRPC.APIToken),
		grpcadapter.LoggingInterceptor(logger.Named("rpc")),
	}
	if cfg.GRPC.RateLimit > 0 {
		limiter, err := grpcadapter.RateLimitInterceptor(rate.Limit(cfg.GRPC.RateLimit), cfg.GRPC.RateBurst)
		if err != nil {
			return err
		}
		interceptors = append(interceptors, limiter)
	}
	grpcServer := grpclib.NewServer(grpclib.ChainUnaryInterceptor(interceptors...))
	grpcadapter.RegisterWalletServiceServer(grpcServer, grpcadapter.NewServer(a.coordinator, a.dashboard, grpcadapter.ServerOptions{
		OperatorUserID:   cfg.Ledger.OperatorUserID,
		AlwaysCrossCheck: cfg.Coordinator.CrossCheckBalance,
	}, logger))
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPC.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Listen, err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           httpapi.NewRouter(a.reconciler, cfg.GRPC.APIToken, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var scheduler *reconciler.Scheduler
	if cfg.Reconcile.Schedule != "" {
		scheduler, err = reconciler.NewScheduler(a.reconciler, cfg.Reconcile.Schedule, logger)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPC.Listen))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if scheduler != nil {
			if err := scheduler.Stop(shutdownCtx); err != nil {
				logger.Warn("reconciliation still running at shutdown", zap.Error(err))
			}
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", zap.Error(err))
		}
		grpcServer.GracefulStop()
		logger.Info("servers stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpclib.ErrServerStopped) {
		return err
	}
	return nil
}
