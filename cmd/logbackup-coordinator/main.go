package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/metrics"
	natsbackend "github.com/kvstream/logbackup/internal/nats"
	"github.com/kvstream/logbackup/internal/server"
)

// grpcServiceName is the name reported by the gRPC health service.
const grpcServiceName = "logbackup.v1.Coordinator"

// regionEventTimeout bounds how long a region event waits for the mailbox.
const regionEventTimeout = 5 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "logbackup-coordinator",
		Short: "Log backup region subscription coordinator",
		Long:  "Tracks which regions a log backup node observes, runs their initial scans and advances task checkpoints.",
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the coordinator (HTTP admin API and gRPC health)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := server.LoadConfig(path)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	serveCmd.Flags().String("config", "", "Path to a YAML config file (default $LOGBACKUP_CONFIG)")
	serveCmd.Flags().String("http-port", "", "HTTP admin API port")
	serveCmd.Flags().String("grpc-port", "", "gRPC health port")
	serveCmd.Flags().String("nats-url", "", "NATS server URL")
	serveCmd.Flags().String("metadata-backend", "", "Metadata backend: nats|pebble")
	serveCmd.Flags().String("data-dir", "", "Data directory of the pebble backend")
	serveCmd.Flags().String("fsync", "", "Pebble fsync mode: always|interval|never")
	serveCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serveCmd.Flags().String("log-format", "", "Log format: json|text")
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), core.Version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *server.Config) {
	override := func(name string, dst *string) {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
	override("http-port", &cfg.Port)
	override("grpc-port", &cfg.GRPCPort)
	override("nats-url", &cfg.NatsURL)
	override("metadata-backend", &cfg.MetadataBackend)
	override("data-dir", &cfg.DataDir)
	override("fsync", &cfg.Fsync)
	override("log-level", &cfg.LogLevel)
	override("log-format", &cfg.LogFormat)
}

func setupLogger(cfg server.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg server.Config) error {
	// Region events and initial scans always travel over NATS.
	backend, err := natsbackend.New(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer backend.Close()
	slog.Info("connected to NATS", "url", cfg.NatsURL)

	var meta server.MetadataBackend
	switch cfg.MetadataBackend {
	case server.BackendPebble:
		meta, err = server.OpenPebbleMetadata(cfg)
		if err != nil {
			return err
		}
	default:
		meta = server.NewNATSMetadata(backend)
	}

	metrics.Init(core.Version, cfg.MetadataBackend)

	app := server.NewApp(cfg, meta, natsbackend.NewScanClient(backend.Conn(), cfg.ScanTimeout.Duration()))
	defer func() {
		if err := app.Close(); err != nil {
			slog.Error("coordinator close error", "error", err)
		}
	}()
	if err := app.Start(ctx); err != nil {
		return err
	}

	feed := natsbackend.NewRegionFeed(backend.Conn(), app.Manager, app.Regions, app.Tracker, regionEventTimeout)
	if err := feed.Start(); err != nil {
		return fmt.Errorf("subscribe to region events: %w", err)
	}
	defer func() { _ = feed.Close() }()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		slog.Info("admin API listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen for gRPC on %s: %w", cfg.GRPCPort, err)
	}
	go func() {
		slog.Info("gRPC health listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	slog.Info("shutting down coordinator")
	healthSrv.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("coordinator stopped")
	return runErr
}
