package cmd

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/config"
	"github.com/namelens/headroom/internal/core/engine"
	"github.com/namelens/headroom/internal/core/store"
	errwrap "github.com/namelens/headroom/internal/errors"
	"github.com/namelens/headroom/internal/metrics"
	"github.com/namelens/headroom/internal/observability"
	"github.com/namelens/headroom/internal/server"
	"github.com/namelens/headroom/internal/server/handlers"
)

// adminTokenEnv enables the admin signal endpoint when set.
const adminTokenEnv = "HEADROOM_ADMIN_TOKEN"

var (
	serverPort int
	serverHost string
)

// signalHealthChecker implements HealthChecker for signal system
type signalHealthChecker struct{}

func (s signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil // Signal handlers are registered and ready
}

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// journalHealthChecker pings the event journal database.
type journalHealthChecker struct {
	db *store.Store
}

func (j journalHealthChecker) CheckHealth(ctx context.Context) error {
	if j.db == nil || j.db.DB == nil {
		return errwrap.NewInternalError("event journal not open")
	}
	if err := j.db.DB.PingContext(ctx); err != nil {
		return errwrap.WrapDatabaseError(ctx, err, "event journal unreachable")
	}
	return nil
}

// governorHealthChecker reports degraded while a pause is pending and
// unhealthy once the pause runs past maxPause.
type governorHealthChecker struct {
	gov      *engine.Governor
	maxPause time.Duration
}

func (g governorHealthChecker) CheckHealth(ctx context.Context) error {
	if g.gov == nil {
		return errwrap.NewInternalError("governor not initialized")
	}
	pending := g.gov.Pending()
	if g.maxPause > 0 && pending > g.maxPause {
		return errwrap.NewInternalError("governor pause exceeds fallback wait")
	}
	if pending > 0 {
		return handlers.Degraded(errwrap.NewInternalError("governor paused"))
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a governed proxy in front of the upstream API",
	Long: `Start an HTTP proxy that forwards /v1/* to ailink.base_url through one shared
rate governor.

Requests wait out any pending pause before they are forwarded. When the
upstream's rate limit headers show an exhausted quota, the response is held
until the quota resets. Responses carry X-Headroom-Decision and
X-Headroom-Paused-Ms. GET /v1/governor shows the governor state.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (governor threshold and log level)`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return invalidConfig(err)
	}

	observability.InitServerLogger(binaryName, cfg.Logging.Level)
	logger := observability.ServerLogger

	metricsPort := cfg.Metrics.Port
	if metricsPort == 0 {
		metricsPort = 9090
	}
	if err := observability.InitMetrics(binaryName, metricsPort); err != nil {
		logger.Error("Failed to initialize metrics", zap.Error(err))
		return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
	}

	upstream, err := url.Parse(strings.TrimSpace(cfg.AILink.BaseURL))
	if err != nil {
		return invalidConfig(err)
	}
	if strings.TrimSpace(cfg.AILink.APIKey) == "" {
		logger.Warn("No upstream API key configured; callers must send their own Authorization header")
	}

	var db *store.Store
	if cfg.Journal.Enabled {
		db, err = openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup
	}

	status := server.NewStatusHub(0)
	govSink, closeJournal := governorSink(logger, db)
	defer closeJournal()
	gov := newGovernor(cfg.Governor, engine.MultiSink{govSink, status}, "proxy")

	proxy, err := server.NewGovernedProxy(upstream, cfg.AILink.APIKey, gov, nil)
	if err != nil {
		return invalidConfig(err)
	}

	logger.Info("Initializing server",
		zap.String("service", binaryName),
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("metrics_port", metricsPort),
		zap.String("upstream", upstream.Redacted()),
		zap.Float64("threshold", gov.CurrentThreshold()),
		zap.Bool("journal", db != nil))

	handlers.SetAppName(binaryName)
	hm := handlers.NewHealthManager(versionInfo.Version)
	hm.RegisterChecker("signal_handlers", signalHealthChecker{})
	hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	hm.RegisterChecker("governor", governorHealthChecker{gov: gov, maxPause: 2 * cfg.Governor.FallbackWait})
	if db != nil {
		hm.RegisterChecker("journal", journalHealthChecker{db: db})
	}

	srv := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Proxy:        proxy,
		Governor:     gov,
		Status:       status,
		Health:       hm,
		AdminToken:   strings.TrimSpace(os.Getenv(adminTokenEnv)),
	})

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	// Handlers run LIFO: the server stops, then the exporter, then the logger is flushed.
	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Flushing logger...")
		if err := logger.Sync(); err != nil {
			// Sync errors are often benign (stdout/stderr already closed)
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		if err := observability.StopMetrics(); err != nil {
			logger.Warn("Metrics exporter stop returned error", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}

		logger.Info("HTTP server stopped gracefully")
		return nil
	})

	signals.OnReload(func(ctx context.Context) error {
		logger.Info("Received SIGHUP: attempting config reload")
		return reloadGovernorConfig(ctx, gov)
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server...",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go func() {
		if err := signals.Listen(cmd.Context()); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		metrics.RecordError("SERVER_ERROR", http.StatusInternalServerError)
		return errwrap.WrapInternal(cmd.Context(), err, "server error")
	}
	return nil
}

// reloadGovernorConfig re-reads the config file and applies the settings
// that can change without a restart.
func reloadGovernorConfig(ctx context.Context, gov *engine.Governor) error {
	logger := observability.ServerLogger

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.Info("No config file found - using defaults and environment variables")
			return nil
		}
		logger.Error("Failed to reload config file",
			zap.String("file", viper.ConfigFileUsed()),
			zap.Error(err))
		return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Error("Reloaded config is invalid", zap.Error(err))
		return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
	}

	gov.ApplyThreshold(cfg.Governor.Threshold)
	observability.SetServerLogLevel(cfg.Logging.Level)

	observability.ServerLogger.Info("Configuration reloaded successfully",
		zap.String("file", viper.ConfigFileUsed()),
		zap.Float64("threshold", gov.CurrentThreshold()))
	return nil
}
