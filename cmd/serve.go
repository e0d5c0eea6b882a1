package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/strata/internal/di"
	"github.com/conneroisu/strata/internal/logging"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the API server",
	Long: `Compile the collections, then serve them over HTTP.

While running, source changes trigger a recompile (unless --watch=false) and
an optional --interval runs a periodic compile. Every finished pass is pushed
to websocket clients connected to /ws.

Examples:
  strata serve                       # Serve on localhost:8080
  strata serve -p 9000 --host 0.0.0.0
  strata serve --watch=false --interval 5m`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().Bool("watch", true, "Recompile when collection sources change")
	serveCmd.Flags().Duration("interval", 0, "Run a compile pass at this interval (0 disables)")
	serveCmd.Flags().Bool("redis", false, "Enable the redis cache tier")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("compile.watch", serveCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("compile.interval", serveCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("cache.redis.enabled", serveCmd.Flags().Lookup("redis"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := container.Config
	logger := container.Logger

	if err := container.LoadRegistry(); err != nil {
		logger.Warn(ctx, err, "Failed to load existing artifacts")
	}
	if _, err := container.Orchestrator.Trigger(ctx, false); err != nil {
		// serve whatever compiled; the failure is reported on /health
		logger.Error(ctx, err, "Initial compile failed")
	}

	if cfg.Compile.Watch {
		fw, err := container.Watcher()
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", cfg.Compile.SourceDir, err)
		}
		if err := fw.Start(ctx); err != nil {
			return err
		}
		logger.Info(ctx, "Watching collection sources", "dirs", len(fw.WatchList()))
	}
	if cfg.Compile.Interval > 0 {
		go compileEvery(ctx, container, cfg.Compile.Interval, logger)
	}

	srv := container.Server()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	fmt.Fprintf(cmd.OutOrStdout(), "Strata API listening at http://%s\n", cfg.Server.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, err, "Server shutdown incomplete")
	}
	return <-errCh
}

// compileEvery triggers a non-forced compile on every tick until ctx ends.
func compileEvery(ctx context.Context, c *di.Container, interval time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := c.Orchestrator.Trigger(ctx, false)
			if err != nil {
				logger.Error(ctx, err, "Scheduled compile failed")
				continue
			}
			logger.Debug(ctx, "Scheduled compile", "message", result.Message, "compiled", result.Compiled)
		}
	}
}
