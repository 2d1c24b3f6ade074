package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aaron031291/grace/internal/audit"
	"github.com/aaron031291/grace/internal/boot"
	"github.com/aaron031291/grace/internal/config"
	"github.com/aaron031291/grace/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "grace",
	Short:   "Grace - autonomous control plane",
	Long:    `Grace is a self-governing control plane that detects infrastructure faults, heals them through governed playbooks, and tunes itself from incident history`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runControlPlane()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(verifyAuditCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Grace %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit [path]",
	Short: "Verify the audit log hash chain and exit",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(boot.ExitConfig)
			}
			path = cfg.AuditPath()
		}
		if err := audit.VerifyFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "Audit chain broken: %v\n", err)
			os.Exit(boot.ExitAuditChain)
		}
		fmt.Printf("Audit chain intact: %s\n", path)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runControlPlane() {
	// Baseline logger for early startup, before config is loaded
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "grace",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(boot.ExitConfig)
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "grace",
	})

	log.Info().Str("version", Version).Msg("Starting Grace control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var booted atomic.Bool
	opsAddr := fmt.Sprintf("127.0.0.1:%d", cfg.MetricsPort)
	startOpsServer(ctx, opsAddr, booted.Load)

	rt, err := boot.Run(ctx, cfg, logger)
	if err != nil {
		log.Error().Err(err).Msg("Boot failed")
		var exitErr *boot.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}

	booted.Store(true)
	log.Info().Int("port", rt.Port).Msg("Control plane ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutting down control plane...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	rt.Stop(shutdownCtx)
}
