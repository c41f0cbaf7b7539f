package main

import (
	"context"
	"fmt"
	"os"

	"watchmyparent-telemetry/common/logger"
	"watchmyparent-telemetry/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "telemetry-relay"

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Telemetry relay - buffers wearable readings and transmits them reliably",
	Long: `telemetry-relay persists sensor readings locally, transmits them to the
backend with retry and backoff, and recovers in-flight readings after restarts.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup 加载配置并初始化日志
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}
