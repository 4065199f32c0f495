package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-quota/internal/config"
	"github.com/rcourtman/pulse-quota/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:     "pulse-quota",
	Short:   "Quota enforcement and usage metering for marketplace subscriptions",
	Long:    `pulse-quota admits or denies billable requests against each subscription's monthly allowance and reports accepted usage to the marketplace metering endpoint.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(redeliverCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pulse-quota %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig initializes logging with baseline defaults, loads the
// configuration and re-initializes logging from it.
func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "pulse-quota"})

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "pulse-quota"})
	return cfg, nil
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().Str("version", Version).Msg("Starting pulse-quota")

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	// ReadHeaderTimeout rather than ReadTimeout: a connection deadline would
	// survive the websocket upgrade on /api/turns.
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port)),
		Handler:           app.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.MetricsPort > 0 {
		metricsAddr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.MetricsPort))
		g.Go(func() error {
			return runMetricsServer(gctx, metricsAddr)
		})
	}

	if app.gate.Enabled() {
		g.Go(func() error {
			return app.sweeper.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		app.conversation.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		if err := app.gate.WaitContext(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Usage reports still in flight at shutdown; the redelivery sweep will pick them up")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
