package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/app"
	"github.com/foxzi/cadence/internal/config"
	cadenceTLS "github.com/foxzi/cadence/internal/tls"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence - scheduled campaign dispatcher",
	Long:  `Cadence fires recurring campaigns on their schedules and delivers each message to every recipient exactly once.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler",
	Long:  `Start the campaign scheduler, the reclaim sweep and, when enabled, the reporting API and metrics server.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cadence version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (CADENCE_* environment variables override it)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig loads the -c file, or the environment alone when no file is given
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app.Version = version
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Poll interval:   %s\n", cfg.Scheduler.PollInterval)
	fmt.Printf("  Workers:         %d\n", cfg.Scheduler.Workers)
	fmt.Printf("  Queue driver:    %s\n", cfg.Queue.Driver)
	fmt.Printf("  Pacing:          %s + up to %s\n", cfg.Pacing.BaseDelay, cfg.Pacing.Jitter)
	fmt.Printf("  Default channel: %s\n", cfg.Channels.Default)
	fmt.Printf("  Database:        %s\n", cfg.Storage.SQLitePath)
	if cfg.Queue.Driver == "bolt" {
		fmt.Printf("  Queue file:      %s\n", cfg.Storage.BoltPath)
	}
	if cfg.API.Enabled {
		fmt.Printf("  API:             %s\n", cfg.API.ListenAddr)
		if cfg.API.TLSCertFile != "" {
			info, err := cadenceTLS.Inspect(cfg.API.TLSCertFile)
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			days := info.DaysLeft(time.Now())
			fmt.Printf("  TLS cert:        %s, expires %s (%d days)\n", info.Subject, info.NotAfter.Format(time.DateOnly), days)
			if days < 14 {
				fmt.Printf("  WARNING: API certificate expires in %d days\n", days)
			}
		}
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:         %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}
