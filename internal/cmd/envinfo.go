package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/config"
	"github.com/namelens/headroom/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()
		log := observability.CLILogger

		log.Info("=== headroom Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + binaryName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := loadConfig()
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Config File:    "+configFileUsed(), zap.String("config_file", configFileUsed()))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  Server:         " + fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		log.Info(fmt.Sprintf("  Metrics:        enabled=%t port=%d", cfg.Metrics.Enabled, cfg.Metrics.Port))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			log.Info("  Journal URL:    "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
		} else {
			log.Info("  Journal Path:   "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		log.Info(fmt.Sprintf("  Journal:        %t", cfg.Journal.Enabled))
		log.Info("")

		log.Info("Governor:")
		log.Info(fmt.Sprintf("  Threshold:      %g", cfg.Governor.Threshold), zap.Float64("threshold", cfg.Governor.Threshold))
		log.Info("  Fallback Wait:  " + cfg.Governor.FallbackWait.String())
		log.Info("  Mode:           " + cfg.Governor.Mode)
		log.Info(fmt.Sprintf("  Retry:          max_attempts=%d max_delay=%s", cfg.Retry.MaxAttempts, cfg.Retry.MaxDelay))
		log.Info(fmt.Sprintf("  Batch:          workers=%d rps=%g", cfg.Batch.Workers, cfg.Batch.RPS))
		log.Info("")

		log.Info("Upstream:")
		log.Info("  Base URL:       " + cfg.AILink.BaseURL)
		log.Info("  Model:          " + cfg.AILink.Model)
		log.Info("  Timeout:        " + cfg.AILink.Timeout.String())
		if strings.TrimSpace(cfg.AILink.APIKey) != "" {
			log.Info("  API Key:        (set)")
		} else {
			log.Info("  API Key:        (not set)")
		}
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func configFileUsed() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return config.DefaultConfigPath() + " (not found)"
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
