package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark/tidemark/internal/config"
)

// Version is stamped by the release build.
var Version = "dev"

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tidemarkd",
		Short:         "South-side readings ingestion and storage service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tidemark.yaml",
		"path to the service configuration file")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(configCmd())
	return cmd
}

// configCmd prints the effective configuration, defaults included.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
