package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/DualCam/internal/config"
	"github.com/bryanchriswhite/DualCam/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "dualcam",
		Short: "DualCam - record two video sources into one split-screen file",
		Long: `DualCam composites two live video sources (webcams, screen regions or
test patterns) side by side and records the result as a single file.

Features:
  • Side-by-side or stacked layout with per-source labels
  • Frozen last frame when a source drops out mid-recording
  • WebM (VP8/VP9 + Opus) through GStreamer, or dependency-free Motion JPEG
  • REST + WebSocket control API
  • Persistent configuration`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/dualcam/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "human-readable console logs instead of JSON")

	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig reads the config file, applies command-line overrides and
// configures logging from the result
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	cfg := configMgr.Get()

	if port := viper.GetInt("server_port"); viper.IsSet("server_port") && port > 0 {
		cfg.ServerPort = port
	}
	if level := viper.GetString("log_level"); viper.IsSet("log_level") && level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger.Init(cfg.LogLevel, viper.GetBool("pretty"))
	logger.WithComponent("config").Debug().
		Str("path", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")
	return configMgr, cfg, nil
}
