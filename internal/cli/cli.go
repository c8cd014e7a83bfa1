// ============================================================================
// Milestone Escrow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra based entry for the escrow service and its client
//
// Command Structure:
//   escrowd                          # Root command
//   ├── serve                        # Run the service (gRPC + admin HTTP)
//   ├── status                       # Local configuration, remote status with --server
//   ├── journal dump|validate        # Inspect the operation journal
//   ├── create | create-fund | fund  # Client commands (gRPC, --server, --as)
//   ├── submit | approve | claim | cancel
//   ├── show | list | claimable
//   └── credit | balance
//
// Configuration:
//   YAML file (default: configs/default.yaml), missing keys take defaults.
//
// serve:
//   1. Load config, install logger
//   2. Create and start Controller (snapshot load + journal replay)
//   3. Apply ledger genesis on a fresh journal
//   4. Start gRPC and admin HTTP servers
//   5. On SIGINT / SIGTERM stop servers, then the controller (final snapshot)
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/internal/httpapi"
	"github.com/ChuLiYu/milestone-escrow/internal/metrics"
	"github.com/ChuLiYu/milestone-escrow/internal/server"
	"github.com/ChuLiYu/milestone-escrow/internal/storage/wal"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

// Version is injected at build time.
var Version = "0.1.0"

type rootOptions struct {
	configFile string
	server     string
	as         string
	timeout    time.Duration
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "escrowd",
		Short: "escrowd: milestone escrow service",
		Long: `escrowd holds a payer's deposit and releases it to a payee one milestone
at a time:
- journal + snapshot crash recovery
- gRPC API and read-only admin HTTP
- Prometheus metrics, webhook notifications`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "localhost:50051", "gRPC address of a running escrowd")
	rootCmd.PersistentFlags().StringVar(&opts.as, "as", "", "caller address for client commands")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "client request timeout")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildJournalCommand(opts))
	for _, cmd := range buildClientCommands(opts) {
		rootCmd.AddCommand(cmd)
	}

	return rootCmd
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the escrow service",
		Long:  "Recover state from snapshot and journal, then serve gRPC and admin HTTP until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg, nil)
		},
	}
}

// runService runs until ctx is done. ready, when non-nil, receives the bound
// gRPC address once the service accepts requests.
func runService(ctx context.Context, cfg *Config, ready chan<- string) error {
	logger, closer := newLogger(cfg.Logging, os.Stderr)
	defer closer.Close()
	installLogger(logger, cfg.Logging)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	ctrlConfig := cfg.ControllerConfig()
	ctrlConfig.Registerer = reg
	if err := ensureParentDirs(ctrlConfig.WALPath, ctrlConfig.SnapshotPath); err != nil {
		return err
	}

	ctrl, err := controller.NewController(ctrlConfig)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	if err := applyGenesis(ctx, ctrl, cfg.Ledger.Genesis); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Listen, err)
	}
	grpcServer := server.NewGRPCServer(server.NewServer(ctrl))
	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	logger.Info("gRPC server listening", "addr", lis.Addr().String())

	var httpServer *http.Server
	switch {
	case cfg.HTTP.Enabled:
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           httpapi.New(httpapi.Config{Controller: ctrl, Gatherer: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
	case cfg.Metrics.Enabled:
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	if httpServer != nil {
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
	}

	logger.Info("escrowd started", "registry", ctrl.RegistryAddress().Hex(), "instances", ctrl.Stats().Total)
	if ready != nil {
		ready <- lis.Addr().String()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	grpcServer.GracefulStop()
	logger.Info("escrowd stopped")
	return runErr
}

func applyGenesis(ctx context.Context, ctrl *controller.Controller, genesis []GenesisAccount) error {
	if len(genesis) == 0 || ctrl.LastSeq() != 0 {
		return nil
	}
	for _, g := range genesis {
		addr, err := types.ParseAddress(g.Account)
		if err != nil {
			return err
		}
		amount, err := parseAmount(g.Amount)
		if err != nil {
			return err
		}
		if _, err := ctrl.Credit(ctx, addr, amount); err != nil {
			return fmt.Errorf("genesis credit %s: %w", addr.Hex(), err)
		}
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long:  "Display configuration and journal state; with --remote query the running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd, opts, remote)
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "query the service at --server")
	return cmd
}

func showStatus(cmd *cobra.Command, opts *rootOptions, remote bool) error {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  config file:     %s\n", opts.configFile)
	fmt.Fprintf(out, "  registry:        %s\n", cfg.Registry.Address)
	fmt.Fprintf(out, "  gRPC listen:     %s\n", cfg.GRPC.Listen)
	if cfg.HTTP.Enabled {
		fmt.Fprintf(out, "  admin HTTP:      %s\n", cfg.HTTP.Listen)
	}
	fmt.Fprintf(out, "  snapshot every:  %ds\n", cfg.Snapshot.IntervalSeconds)
	fmt.Fprintf(out, "  webhooks:        %d\n", len(cfg.Notify.Webhooks))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	if stats, err := wal.GetWALStats(cfg.WAL.Path); err == nil {
		fmt.Fprintf(out, "  journal:         %s (%d events, last seq %d)\n", cfg.WAL.Path, stats.Events, stats.LastSeq)
	} else {
		fmt.Fprintf(out, "  journal:         %s (unavailable: %v)\n", cfg.WAL.Path, err)
	}
	if info, err := os.Stat(cfg.Snapshot.Path); err == nil {
		fmt.Fprintf(out, "  snapshot:        %s (%s)\n", cfg.Snapshot.Path, info.ModTime().Format(time.RFC3339))
	} else {
		fmt.Fprintf(out, "  snapshot:        %s (none)\n", cfg.Snapshot.Path)
	}

	if !remote {
		return nil
	}
	client, err := dialClient(opts)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	status, err := client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Service:")
	return printJSON(out, status)
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand(opts *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the operation journal",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "journal file (default: wal.path from config)")

	resolve := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := loadConfig(opts.configFile)
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg.WAL.Path, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every journal entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Verify checksums and sequence continuity",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			n, err := wal.ValidateWAL(p)
			if err != nil {
				return fmt.Errorf("journal %s invalid after %d events: %w", p, n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "journal %s OK: %d events\n", p, n)
			return nil
		},
	})
	return cmd
}

func ensureParentDirs(paths ...string) error {
	for _, p := range paths {
		dir := parentDir(p)
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
