// Main package for a standalone frontend node. It serves no commands locally; every client
// command is forwarded to the backend that owns its route.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sessamekesh/spanreed-frontend/pkg/config"
	"github.com/sessamekesh/spanreed-frontend/pkg/node"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spanreed-frontend",
	Short: "Spanreed frontend node",
	Long: `Spanreed frontend terminates client TCP or WebSocket connections, tracks
per-connection sessions and forwards client commands to backend nodes over
the cluster RPC channel.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger, err := node.NewLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting frontend node",
			zap.String("version", Version),
			zap.String("commit", Commit),
			zap.String("nodeId", cfg.Node.ID),
			zap.String("serverType", cfg.Node.ServerType),
			zap.String("transport", cfg.Client.Transport))

		if err := node.Run(ctx, cfg, node.Options{}, logger); err != nil {
			logger.Error("Frontend node stopped with error", zap.Error(err))
			return err
		}
		logger.Info("Frontend node stopped")
		return nil
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the resolved route table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		table, err := cfg.RouteTable()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-8s %-16s %-16s %s\n", "CMD", "SERVER TYPE", "HANDLER", "METHOD")
		for i, route := range table.Routes() {
			fmt.Fprintf(out, "%-8d %-16s %-16s %s\n", i, route.ServerType, route.Handler, route.Method)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("env-file", ".env", "Path to a .env file loaded before the config")
	rootCmd.PersistentFlags().String("routes", "", "Path to a YAML route table, overrides routes.file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error), overrides log.level")

	rootCmd.AddCommand(routesCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if routes, _ := cmd.Flags().GetString("routes"); routes != "" {
		cfg.Routes.File = routes
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}
