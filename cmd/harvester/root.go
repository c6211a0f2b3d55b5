package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-harvester/internal/config"
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Adaptive listing harvester.",
		Long: `harvester runs search campaigns against listing sites. Each target/query
pair climbs a ladder of fetch strategies, from a plain request up to a proxied
browser, until it returns listings or is abandoned. Records are deduplicated
and written to the configured sink.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/JSON/TOML); env vars use the HARVESTER_ prefix")

	load := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(newRunCmd(load))
	cmd.AddCommand(newValidateCmd(load))
	return cmd
}

func newValidateCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validates the configuration and prints the campaign plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tiers, err := cfg.Strategy.Parsed()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %d targets, %d work items, %d workers, sink %s\n",
				len(cfg.Targets), len(cfg.WorkItems()), cfg.Workers(), cfg.Sink.Kind)
			fmt.Fprintf(out, "tiers: %v\n", tiers)
			return nil
		},
	}
}
