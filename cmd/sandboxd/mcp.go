package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/michaelbrown/sandboxd/internal/config"
	"github.com/michaelbrown/sandboxd/internal/lifecycle"
	"github.com/michaelbrown/sandboxd/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve sandbox tools over MCP stdio",
	Long: `Expose sandbox_start, sandbox_logs, sandbox_lint and sandbox_stop as
Model Context Protocol tools on stdin/stdout. Logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	app := fx.New(
		fx.Supply(cfg),
		coreModule,
		fx.Provide(newMCPServer),
		fx.Invoke(func(*mcpserver.MCPServer) {}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func newMCPServer(lc fx.Lifecycle, sd fx.Shutdowner, mgr *lifecycle.Manager, cfg *config.Config, log *zap.Logger) *mcpserver.MCPServer {
	srv := mcpserver.New(mgr, log, cfg.Sandbox.DefaultTail)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				code := 0
				if err := srv.ServeStdio(); err != nil {
					log.Error("mcp server stopped", zap.Error(err))
					code = 1
				}
				// stdin closed: the client is gone.
				sd.Shutdown(fx.ExitCode(code))
			}()
			return nil
		},
	})
	return srv
}
