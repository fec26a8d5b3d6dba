package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "caphub",
		Short:        "Share devices and services between nodes",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveLogLevel(cmd)
			return err
		},
	}
	cmd.PersistentFlags().String("config", "", "Path to a TOML configuration file")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIDCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q", raw)
	}
}

func resolveLogLevel(cmd *cobra.Command) (slog.Level, error) {
	raw, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return slog.LevelInfo, err
	}
	return parseLogLevel(raw)
}
