package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/karflow/pkg/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the MCP audit server over stdio",
	Long: `Starts the deferred-action scheduler and serves the read-only audit tools
(message search, run ledgers, artifact validation) over MCP stdio.

With --no-mcp only the scheduler runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, configFor(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
		defer a.scheduler.Stop()
		a.logger.Info("karflow started",
			slog.String("db_path", a.cfg.DBPath),
			slog.Int("artifacts", a.artifacts.Count()),
			slog.Duration("poll_interval", a.cfg.PollInterval))

		if noMCP {
			<-ctx.Done()
			a.logger.Info("karflow stopping")
			return nil
		}

		srv := mcp.NewServer(mcp.ServerDeps{
			Store:     a.store,
			Artifacts: a.artifacts,
			Validator: a.validator,
			Logger:    a.logger,
		})
		if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("no-mcp", false, "run only the scheduler")
}

// background is used by commands that do not need signal handling.
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
