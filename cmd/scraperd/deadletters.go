package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/NaveedAhmed286/amazon-scraper/internal/config"
	"github.com/NaveedAhmed286/amazon-scraper/internal/storage/sqlite"
)

func newDeadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Lists jobs that exhausted their retries",
		RunE:  runDeadLetters,
	}
	cmd.Flags().Int("limit", 100, "maximum number of dead letters to print")
	cmd.Flags().Duration("prune-older-than", 0, "delete dead letters older than this before listing")
	return cmd
}

func runDeadLetters(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	pruneAge, err := cmd.Flags().GetDuration("prune-older-than")
	if err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Retry.JournalPath == "" {
		return fmt.Errorf("retry.journal_path is not configured")
	}

	ctx := cmd.Context()
	journal, err := sqlite.Open(ctx, cfg.Retry.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	if pruneAge > 0 {
		n, err := journal.PruneDeadLetters(ctx, time.Now().Add(-pruneAge))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d dead letters\n", n)
	}

	letters, err := journal.ListDeadLetters(ctx, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, dl := range letters {
		if err := enc.Encode(dl); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}
