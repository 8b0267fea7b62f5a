// Package cmd implements the proxypoolsvc CLI using Cobra.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/drsoft-oss/proxypoolsvc/internal/api"
	cfgpkg "github.com/drsoft-oss/proxypoolsvc/internal/config"
	"github.com/drsoft-oss/proxypoolsvc/internal/marketclock"
	"github.com/drsoft-oss/proxypoolsvc/internal/procctx"
)

// version is injected at build time via ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "proxypoolsvc",
	Short: "Multi-market rotating HTTP proxy pool service",
	Long: `proxypoolsvc — manages a double-buffered pool of upstream HTTP
proxies per (market, mode), rotating the active buffer on a schedule,
health-checking proxies in the background, and starting/stopping each
market's pool automatically around its trading session.

Configuration is read from the environment, falling back to built-in
defaults; these settings are not read from the config repository:

  ENVIRONMENT     deployment environment label (default "development")
  MARKETS         comma-separated market codes to bootstrap (default "hk,cn,us")
  HOST            API bind host (default "0.0.0.0")
  PORT            API bind port (default "8080")
  LOG_LEVEL       logrus level name (default "info")
  DATABASE_URL    Postgres DSN; when unset, an in-memory repository is used
  CALENDAR_FILE   optional YAML market-calendar override

A ".env" file in the working directory is loaded first, if present.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(_ *cobra.Command, _ []string) error {
	_ = godotenv.Load() // local ".env" is optional; ignore a missing file

	log := logrus.New()
	level, err := logrus.ParseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.JSONFormatter{})

	environment := envOr("ENVIRONMENT", "development")
	entry := log.WithField("environment", environment)

	markets := strings.Split(envOr("MARKETS", "hk,cn,us"), ",")
	for i := range markets {
		markets[i] = strings.TrimSpace(markets[i])
	}

	// ---- Clock -----------------------------------------------------------
	var clock *marketclock.Clock
	if calPath := os.Getenv("CALENDAR_FILE"); calPath != "" {
		cals, err := marketclock.LoadCalendars(calPath)
		if err != nil {
			return fmt.Errorf("load calendar file %s: %w", calPath, err)
		}
		clock, err = marketclock.NewWithCalendars(cals)
		if err != nil {
			return fmt.Errorf("init market clock: %w", err)
		}
	} else {
		clock, err = marketclock.New()
		if err != nil {
			return fmt.Errorf("init market clock: %w", err)
		}
	}

	// ---- Config/status repositories ---------------------------------------
	var repo interface {
		cfgpkg.Repository
		cfgpkg.StatusRepository
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := cfgpkg.NewPostgresRepository(dsn)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		repo = pg
		entry.Info("using postgres config/status repository")
	} else {
		repo = cfgpkg.NewMemoryRepository()
		entry.Info("using in-memory config/status repository (DATABASE_URL unset)")
	}

	// ---- Process context ---------------------------------------------------
	pctx := procctx.New(clock, repo, repo, entry)
	pctx.Bootstrap(markets)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pctx.StartAll(ctx)
	entry.WithField("markets", markets).Info("global scheduler started")

	// ---- API server ---------------------------------------------------------
	addr := envOr("HOST", "0.0.0.0") + ":" + envOr("PORT", "8080")
	srv := api.New(addr, pctx)

	srvErr := make(chan error, 1)
	go func() {
		entry.WithField("addr", addr).Info("API server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		entry.WithField("signal", sig.String()).Info("received signal, shutting down")
	case err := <-srvErr:
		if err != nil {
			entry.WithError(err).Error("API server stopped unexpectedly")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		entry.WithError(err).Warn("error stopping API server")
	}
	pctx.StopAll(shutdownCtx)
	entry.Info("shutdown complete")

	return nil
}
