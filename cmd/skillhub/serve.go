package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/orbitdesk/skillhub/pkg/db"
	"github.com/orbitdesk/skillhub/pkg/engine"
	"github.com/orbitdesk/skillhub/pkg/engine/actions"
	"github.com/orbitdesk/skillhub/pkg/installations"
	"github.com/orbitdesk/skillhub/pkg/logger"
	"github.com/orbitdesk/skillhub/pkg/presenter"
	"github.com/orbitdesk/skillhub/pkg/registry"
	"github.com/orbitdesk/skillhub/pkg/server"
	"github.com/orbitdesk/skillhub/pkg/store/sqlite"
	"github.com/orbitdesk/skillhub/pkg/telemetry"
	"github.com/orbitdesk/skillhub/pkg/version"
)

// ServeConfig holds the serve command's configuration.
type ServeConfig struct {
	Host      string
	Port      int
	DBPath    string
	SkillsDir string
	Tracing   bool
}

// NewServeConfig returns serve defaults.
func NewServeConfig() *ServeConfig {
	return &ServeConfig{
		Host: "localhost",
		Port: 8080,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the skill platform API server",
	Long: `Start the JSON API server the operator dashboard talks to. Runs
database migrations on startup and imports hand-authored skills from the
skills directory, re-importing when the directory changes.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServeCommand(cmd.Context(), getServeConfigFromFlags(cmd))
	},
}

func init() {
	defaults := NewServeConfig()
	serveCmd.Flags().String("host", defaults.Host, "Host to bind the API server to")
	serveCmd.Flags().Int("port", defaults.Port, "Port to bind the API server to")
	serveCmd.Flags().String("db-path", "", "SQLite database path (default ~/.skillhub/platform.db)")
	serveCmd.Flags().String("skills-dir", "", "Hand-authored skills directory (default ~/.skillhub/skills)")
	serveCmd.Flags().Bool("tracing", false, "Enable OpenTelemetry tracing")
}

func getServeConfigFromFlags(cmd *cobra.Command) *ServeConfig {
	config := NewServeConfig()

	if host, err := cmd.Flags().GetString("host"); err == nil {
		config.Host = host
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil {
		config.Port = port
	}
	if dbPath, err := cmd.Flags().GetString("db-path"); err == nil {
		config.DBPath = dbPath
	}
	if skillsDir, err := cmd.Flags().GetString("skills-dir"); err == nil {
		config.SkillsDir = skillsDir
	}
	if tracing, err := cmd.Flags().GetBool("tracing"); err == nil {
		config.Tracing = tracing
	}

	return config
}

func validateServeConfig(config *ServeConfig) error {
	if config.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if config.Host != "localhost" && config.Host != "0.0.0.0" {
		if ip := net.ParseIP(config.Host); ip == nil {
			if strings.Contains(config.Host, " ") || strings.Contains(config.Host, ":") {
				return fmt.Errorf("invalid host: %s", config.Host)
			}
		}
	}
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", config.Port)
	}
	if config.Port < 1024 {
		logger.G(context.Background()).WithField("port", config.Port).Warn("using privileged port (< 1024) may require elevated permissions")
	}
	return nil
}

func runServeCommand(ctx context.Context, config *ServeConfig) {
	if err := validateServeConfig(config); err != nil {
		presenter.Error(err, "invalid server configuration")
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        config.Tracing,
		ServiceName:    "skillhub",
		ServiceVersion: version.Get().Version,
		SamplerType:    viper.GetString("tracing_sampler"),
		SamplerRatio:   viper.GetFloat64("tracing_ratio"),
	})
	if err != nil {
		presenter.Error(err, "failed to initialize tracing")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to shut down tracer")
		}
	}()

	dbPath := config.DBPath
	if dbPath == "" {
		dbPath, err = db.DefaultDBPath()
		if err != nil {
			presenter.Error(err, "failed to resolve database path")
			os.Exit(1)
		}
	}

	// Another process may hold the database briefly (a migration run, a
	// backup); retry before giving up.
	store, err := retry.DoWithData(func() (*sqlite.Store, error) {
		return sqlite.NewStore(ctx, dbPath)
	}, retry.Context(ctx), retry.Attempts(5), retry.Delay(500*time.Millisecond))
	if err != nil {
		presenter.Error(err, "failed to open database")
		os.Exit(1)
	}

	reg, err := registry.NewRegistry(store)
	if err != nil {
		presenter.Error(err, "failed to initialize skill registry")
		os.Exit(1)
	}

	skillsDir := config.SkillsDir
	if skillsDir == "" {
		skillsDir, err = registry.SkillsDirFromBase(os.Getenv("SKILLHUB_BASE_PATH"))
		if err != nil {
			presenter.Error(err, "failed to resolve skills directory")
			os.Exit(1)
		}
	}

	loader := registry.NewLoader(reg, skillsDir)
	if imported, err := loader.ImportAll(ctx); err != nil {
		presenter.Error(err, "failed to import skills directory")
		os.Exit(1)
	} else if imported > 0 {
		presenter.Info(fmt.Sprintf("Imported %d skills from %s", imported, skillsDir))
	}

	srv, err := server.NewServer(&server.Config{Host: config.Host, Port: config.Port}, server.Services{
		Registry:      reg,
		Installations: installations.NewManager(store, reg),
		Engine:        engine.New(store, actions.Defaults()),
		Closer:        store,
	})
	if err != nil {
		presenter.Error(err, "failed to create API server")
		os.Exit(1)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			logger.G(ctx).WithError(closeErr).Error("failed to close API server")
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.G(ctx).WithError(err).Warn("skills directory watcher stopped")
		}
	}()

	presenter.Success(fmt.Sprintf("API server starting on http://%s:%d", config.Host, config.Port))
	presenter.Info("Press Ctrl+C to stop the server")

	if err := srv.Start(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("API server error")
		presenter.Error(err, "API server failed")
		os.Exit(1)
	}

	presenter.Info("API server stopped")
}
