package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/core/store"
	errwrap "github.com/namelens/headroom/internal/errors"
	"github.com/namelens/headroom/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Run a self-health check to verify the application can start successfully.",
	Run: func(cmd *cobra.Command, args []string) {
		observability.CLILogger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		observability.CLILogger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		observability.CLILogger.Info("✅ Version information available")

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration invalid"))
			return
		}
		observability.CLILogger.Info("✅ Configuration valid",
			zap.Float64("threshold", cfg.Governor.Threshold),
			zap.String("governor_mode", cfg.Governor.Mode))

		if cfg.AILink.APIKey == "" {
			observability.CLILogger.Warn("⚠️  No upstream API key configured (batch and serve need one unless callers send their own)")
		} else {
			observability.CLILogger.Info("✅ Upstream API key configured")
		}

		if cfg.Journal.Enabled {
			err := withJournal(cmd.Context(), cfg, func(db *store.Store) error {
				return db.DB.PingContext(cmd.Context())
			})
			if err != nil {
				ExitWithCode(observability.CLILogger, foundry.ExitFailure, "Journal unavailable", errwrap.WrapDatabaseError(cmd.Context(), err, "journal unavailable"))
				return
			}
			observability.CLILogger.Info("✅ Journal reachable")
		}

		observability.CLILogger.Info("")
		observability.CLILogger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
