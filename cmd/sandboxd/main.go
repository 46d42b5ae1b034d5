package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/sandboxd/internal/config"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd - Vue sandbox containers over HTTP",
	Long: `sandboxd starts, inspects, lints and tears down single-container
sandboxes that run a small Vue project, using the local Docker daemon.

It serves a JSON HTTP API (serve) or the same operations as MCP tools (mcp).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./sandboxd.yaml or ~/.sandboxd/sandboxd.yaml)")
}

func loadConfig() (*config.Config, error) {
	if configFlag != "" {
		return config.LoadFile(configFlag)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
