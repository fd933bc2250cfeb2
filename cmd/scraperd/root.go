package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scraperd",
		Short: "Amazon product ingestion and normalization service.",
		Long: `scraperd accepts scraped Amazon product records or product URLs, normalizes
them into a canonical item shape, and keeps them in tiered memory. Transient
failures are retried with backoff; invalid records are rejected outright.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file (defaults plus SCRAPER_* environment)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newNormalizeCmd())
	cmd.AddCommand(newDeadLettersCmd())
	return cmd
}
