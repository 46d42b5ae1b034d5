package main

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/michaelbrown/sandboxd/internal/config"
	"github.com/michaelbrown/sandboxd/internal/lifecycle"
	"github.com/michaelbrown/sandboxd/internal/metrics"
	"github.com/michaelbrown/sandboxd/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandboxd HTTP server",
	Long: `Start the sandboxd HTTP API.

Endpoints:
  POST /sandbox/start
  GET  /sandbox/{container_id}/logs?tail=200
  POST /lint
  POST /sandbox/{container_id}/stop
  GET  /health, /metrics, /events

Examples:
  sandboxd serve
  sandboxd serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}

	app := fx.New(
		fx.Supply(cfg),
		coreModule,
		fx.Provide(newHTTPServer),
		fx.Invoke(func(*server.Server) {}),
	)
	if err := app.Err(); err != nil {
		return err
	}

	// Run blocks until SIGINT/SIGTERM, then stops hooks in reverse order.
	app.Run()
	return nil
}

func newHTTPServer(lc fx.Lifecycle, sd fx.Shutdowner, mgr *lifecycle.Manager, m *metrics.Metrics, cfg *config.Config, log *zap.Logger) *server.Server {
	srv := server.New(mgr, m, log, server.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		DefaultTail: cfg.Sandbox.DefaultTail,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
			if err != nil {
				return fmt.Errorf("listening on port %d: %w", cfg.Server.Port, err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil {
					log.Error("http server stopped", zap.Error(err))
					sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
	return srv
}
