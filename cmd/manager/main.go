package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artemis/device-manager/internal/apiserver"
	"github.com/artemis/device-manager/internal/config"
	"github.com/artemis/device-manager/internal/manager"
	"github.com/artemis/device-manager/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "manager",
	Short: "Device-automation fleet control plane",
	Long: `manager is the control plane of a distributed device-automation
agent: it accepts connections from remote Workers, tracks their health and
devices, dispatches jobs, and proxies live screen streams to viewers.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}

		if cfg.LogLevel != "" {
			if l, err := observability.NewLogger(cfg.LogLevel); err == nil {
				logger = l
			} else {
				logger.Warn("failed to set configured log level, using default", zap.Error(err))
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Manager daemon",
	Long:  "Start the ConnectionServer, inspection REST API, and all background timers.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd, args); err != nil {
			logger.Error("manager exited with error", zap.Error(err))
			os.Exit(1)
		}
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.InfoRedacted("starting manager", zap.Any("config", cfg.Redact()))

	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck("manager", func(ctx context.Context) error { return nil })
	go healthChecker.StartPeriodicChecks(ctx, 10*time.Second)

	metrics := observability.NewMetrics()

	mgr := manager.New(cfg, logger, metrics)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	apiSrv := apiserver.NewServer(cfg, mgr, healthChecker, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := mgr.Stop(stopCtx); err != nil {
			logger.Error("error stopping manager", zap.Error(err))
		}
		os.Exit(0)
	}()

	logger.Info("manager listening",
		zap.String("ws_addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		zap.String("api_addr", cfg.HTTPAddr),
	)

	if err := apiSrv.Start(); err != nil {
		return fmt.Errorf("inspection api error: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.device-manager/config.json)")
	rootCmd.AddCommand(serveCmd)
}
