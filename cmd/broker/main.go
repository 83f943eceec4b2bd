package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/codebroker/pkg/customtool"
	"github.com/cuemby/codebroker/pkg/execsvc"
	"github.com/cuemby/codebroker/pkg/filestore"
	"github.com/cuemby/codebroker/pkg/httpapi"
	"github.com/cuemby/codebroker/pkg/log"
	"github.com/cuemby/codebroker/pkg/metrics"
	"github.com/cuemby/codebroker/pkg/orchestrator"
	"github.com/cuemby/codebroker/pkg/pool"
	"github.com/cuemby/codebroker/pkg/rpcapi"
	"github.com/cuemby/codebroker/pkg/workerio"
	"github.com/cuemby/codebroker/pkg/workspace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "broker",
	Short:   "Codebroker - multi-tenant code execution broker",
	Long:    "Codebroker accepts requests to run user-supplied code, dispatches\neach to an ephemeral sandbox worker, and persists produced artifacts in a\ncontent-addressed file store with expiry and download-quota metadata.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Codebroker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reclaimCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	metrics.SetVersion(Version)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim-once",
	Short: "Run a single file store reclaim sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := filestore.Open(cfg.FileStoragePath)
		if err != nil {
			return err
		}
		n, err := store.Reclaim(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed %d objects\n", n)
		return nil
	},
}

func serve(cfg *config) error {
	logger := log.WithComponent("main")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.NewClient(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	defer orch.Close()
	metrics.RegisterComponent("orchestrator", true, "connected")

	store, err := filestore.Open(cfg.FileStoragePath)
	if err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	metrics.RegisterComponent("filestore", true, "open")

	workers := pool.New(pool.Config{
		Target:              cfg.PoolTarget,
		NamePrefix:          cfg.WorkerNamePrefix,
		ProvisioningTimeout: cfg.ProvisionTimeout,
		WorkerSpec: orchestrator.Spec{
			Image:  cfg.ExecutorImage,
			Env:    cfg.WorkerEnv,
			Mounts: cfg.WorkerMounts,
		},
	}, orch)
	workers.Start(ctx)
	defer workers.Stop()
	metrics.RegisterComponent("pool", true, "started")

	io_ := workerio.New(orch)
	ws := workspace.New(io_, store)
	svc := execsvc.New(execsvc.Config{
		RequireChatID:      cfg.RequireChatID,
		MaxOutputBytes:     cfg.MaxOutputBytes,
		GlobalMaxDownloads: cfg.GlobalMaxDownloads,
	}, workers, ws, orch, store, customtool.NewParser(nil))

	// Background reclaim sweep.
	go func() {
		ticker := time.NewTicker(cfg.ReclaimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := store.Reclaim(ctx); err != nil {
					logger.Error().Err(err).Msg("reclaim sweep failed")
					metrics.UpdateComponent("filestore", false, err.Error())
				} else {
					metrics.UpdateComponent("filestore", true, "open")
				}
			}
		}
	}()

	errCh := make(chan error, 2)

	var httpServer *http.Server
	if cfg.EnableHTTP {
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpapi.NewServer(svc).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP API listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var grpcServer *rpcapi.Server
	if cfg.EnableGRPC {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		grpcServer = rpcapi.NewServer(svc)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	// Both listeners are bound (or disabled on purpose); without this the
	// readiness probe reports "waiting for api" forever.
	metrics.RegisterComponent("api", true, "listening")

	logger.Info().
		Str("version", Version).
		Int("pool_target", cfg.PoolTarget).
		Str("image", cfg.ExecutorImage).
		Msg("broker started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	return nil
}
