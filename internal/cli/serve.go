package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/backend/fsbackend"
	"github.com/ChuLiYu/srm-lifecycle/internal/config"
	"github.com/ChuLiYu/srm-lifecycle/internal/controller"
	"github.com/ChuLiYu/srm-lifecycle/internal/credential"
	"github.com/ChuLiYu/srm-lifecycle/internal/logging"
	"github.com/ChuLiYu/srm-lifecycle/internal/metrics"
	"github.com/ChuLiYu/srm-lifecycle/internal/server"
	"github.com/ChuLiYu/srm-lifecycle/internal/space"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage/filestore"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage/memstore"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage/sqlstore"
)

func buildServeCommand() *cobra.Command {
	var subjects []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the request engine with gRPC and HTTP listeners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			restore, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer restore()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, subjects)
		},
	}
	cmd.Flags().StringArrayVar(&subjects, "credential", nil,
		"register a credential for this subject at startup (repeatable); without it credentials are not checked")
	return cmd
}

// serve runs the engine until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config, subjects []string) error {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	be, err := fsbackend.New(fsbackend.Config{
		Root:      cfg.Backend.Root,
		Hide:      cfg.Backend.Hide,
		ListLimit: cfg.Backend.ListLimit,
		BaseURL:   cfg.Backend.BaseURL,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("backend: %w", err)
	}
	defer be.Close()

	deps := controller.Deps{
		Store:   store,
		Backend: be,
		Space:   space.NewManager(cfg.Backend.SpaceCapacity),
		Metrics: metrics.NewCollector(prometheus.NewRegistry()),
	}
	if len(subjects) > 0 {
		reg := credential.NewMemRegistry()
		for _, s := range subjects {
			c := reg.Register(s, "srmd", nil, 0)
			zap.L().Info("credential registered", zap.String("subject", s), zap.String("id", c.ID))
		}
		deps.Credentials = reg
	}

	ctrl, err := controller.New(controllerConfig(cfg), deps)
	if err != nil {
		_ = store.Close()
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("start controller: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		_ = ctrl.Stop()
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	grpcSrv := server.Register(ctrl)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = ctrl.Metrics().Handler()
	}
	httpSrv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: server.NewHTTPHandler(ctrl, metricsHandler),
	}

	errCh := make(chan error, 2)
	go func() {
		zap.L().Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		zap.L().Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr),
			zap.Bool("metrics", cfg.Metrics.Enabled))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		zap.L().Info("shutdown requested")
	case runErr = <-errCh:
		zap.L().Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()

	if err := ctrl.Stop(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	zap.L().Info("srmd stopped")
	return runErr
}

// openStore returns the storage backend selected by cfg.Kind.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Kind {
	case config.StorageMemory:
		return memstore.New(), nil
	case config.StorageSQLite:
		return sqlstore.Open(ctx, sqlstore.Config{Path: cfg.Path, BusyTimeout: cfg.BusyTimeout})
	case config.StorageFile:
		return filestore.Open(filestore.Options{
			Dir:             cfg.Dir,
			SyncOnAppend:    cfg.SyncOnAppend,
			FlushInterval:   cfg.FlushInterval,
			SnapshotBackups: cfg.SnapshotBackups,
		})
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}

func controllerConfig(cfg *config.Config) controller.Config {
	return controller.Config{
		WorkerCount:           cfg.Worker.Count,
		QueueSize:             cfg.Worker.QueueSize,
		TaskTimeout:           cfg.Worker.TaskTimeout,
		RetryDelay:            cfg.Worker.RetryDelay,
		MaxRetryDelay:         cfg.Worker.MaxRetryDelay,
		RatePerSecond:         cfg.Worker.Rate,
		Burst:                 cfg.Worker.Burst,
		MaxRetries:            cfg.Engine.MaxRetries,
		DefaultLifetime:       cfg.Engine.DefaultLifetime,
		MaxPollDelta:          cfg.Engine.MaxPollDelta,
		LegacyLsUnknownAsDone: cfg.Engine.LegacyLsUnknownAsDone,
		ExpiryInterval:        cfg.Engine.ExpiryInterval,
		Retention:             cfg.Engine.Retention,
		CheckpointInterval:    cfg.Engine.CheckpointInterval,
	}
}
