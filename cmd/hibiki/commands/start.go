package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Hibiki/internal/blockchain"
	"github.com/shizukutanaka/Hibiki/internal/chain"
	"github.com/shizukutanaka/Hibiki/internal/config"
	"github.com/shizukutanaka/Hibiki/internal/logging"
	"github.com/shizukutanaka/Hibiki/internal/mining"
	"github.com/shizukutanaka/Hibiki/internal/monitoring"
	"github.com/shizukutanaka/Hibiki/internal/solo"
	"github.com/shizukutanaka/Hibiki/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start mining",
	Long: `Start the mining session against the configured chain daemon.

Examples:
  # Start with the default config file
  hibiki start

  # Override the reward address and daemon URL
  hibiki start --address 0xabc... --daemon http://127.0.0.1:3001

  # Trade throughput for responsiveness
  hibiki start --low-latency`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("address", "", "mining reward address (overrides config)")
	startCmd.Flags().String("daemon", "", "chain daemon URL (overrides config)")
	startCmd.Flags().Int("batch-size", 0, "nonce batch size (overrides config)")
	startCmd.Flags().Bool("low-latency", false, "shrink batches and yield more often")
	startCmd.Flags().Bool("no-watch", false, "disable config file hot reload")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadOrCreateConfig(cfgFile)
	if err != nil {
		return err
	}
	applyStartOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("hibiki starting",
		zap.String("version", Version),
		zap.String("daemon", cfg.DaemonURL),
	)

	client, err := chain.NewClient(cfg.DaemonURL, logger)
	if err != nil {
		return err
	}

	settings := config.NewSettings(cfg.Mining)
	backends := mining.DetectBackends(logger, settings.Backends())
	builder := blockchain.NewTemplateBuilder(cfg.Mining.MaxBlockBytes, logger)

	var blockLog *storage.BlockLog
	if cfg.DataDir != "" {
		blockLog, err = storage.OpenBlockLog(filepath.Join(cfg.DataDir, "blocks.db"), logger)
		if err != nil {
			logger.Warn("block ledger disabled", zap.Error(err))
			blockLog = nil
		} else {
			defer blockLog.Close()
		}
	}

	var ledger solo.BlockRecorder
	if blockLog != nil {
		ledger = blockLog
	}
	session, err := solo.New(client, settings, builder, backends, ledger, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if noWatch, _ := cmd.Flags().GetBool("no-watch"); !noWatch {
		if watcher, werr := config.NewWatcher(cfgFile, settings, logger); werr == nil {
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("config watcher stopped", zap.Error(err))
				}
			}()
		} else {
			logger.Warn("config hot reload disabled", zap.Error(werr))
		}
	}

	var monServer *monitoring.Server
	if cfg.Monitoring.Enabled {
		monServer = monitoring.NewServer(cfg.Monitoring.ListenAddr, session, blockLog, logger)
		monServer.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	err = session.Run(ctx)

	if monServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if serr := monServer.Stop(shutdownCtx); serr != nil {
			logger.Warn("monitoring server shutdown failed", zap.Error(serr))
		}
	}

	if errors.Is(err, context.Canceled) {
		logger.Info("hibiki stopped")
		return nil
	}
	return err
}

// loadOrCreateConfig loads the config file, writing the defaults first if
// the file does not exist yet.
func loadOrCreateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg = config.Default()
	if serr := config.Save(cfg, path); serr != nil {
		return nil, fmt.Errorf("failed to write default configuration: %w", serr)
	}
	fmt.Fprintf(os.Stderr, "wrote default configuration to %s\n", path)
	return cfg, nil
}

func applyStartOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("address"); v != "" {
		cfg.Mining.Address = v
	}
	if v, _ := cmd.Flags().GetString("daemon"); v != "" {
		cfg.DaemonURL = v
	}
	if v, _ := cmd.Flags().GetInt("batch-size"); v > 0 {
		cfg.Mining.BatchSize = v
	}
	if v, _ := cmd.Flags().GetBool("low-latency"); v {
		cfg.Mining.LowLatency = true
	}
}
