package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"socialrelay/internal/config"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	loadConfig := func() (*config.Config, error) {
		if configFlag != "" {
			if err := os.Setenv(config.FileEnv, configFlag); err != nil {
				return nil, fmt.Errorf("set %s: %w", config.FileEnv, err)
			}
		}
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	serve := newServeCommand(loadConfig)

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Relay social media activity to Telegram chats",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "TOML configuration file (overrides "+config.FileEnv+")")

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(newMigrateCommand())
	return rootCmd
}
