package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/NaveedAhmed286/amazon-scraper/internal/analyze"
	"github.com/NaveedAhmed286/amazon-scraper/internal/clock"
	"github.com/NaveedAhmed286/amazon-scraper/internal/normalize"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// normalizeLine is one JSON line of normalize output.
type normalizeLine struct {
	Index  int                      `json:"index"`
	Item   *scraper.NormalizedItem  `json:"item,omitempty"`
	Score  *analyze.Competitiveness `json:"score,omitempty"`
	Error  string                   `json:"error,omitempty"`
	Fields []scraper.FieldError     `json:"problems,omitempty"`
}

func newNormalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize FILE|-",
		Short: "Normalizes a JSON record file and prints one JSON line per record",
		Args:  cobra.ExactArgs(1),
		RunE:  runNormalize,
	}
	cmd.Flags().String("domain", "com", "marketplace domain for records that carry none")
	cmd.Flags().Bool("summary", false, "print a summary of the valid items after the records")
	return cmd
}

func runNormalize(cmd *cobra.Command, args []string) error {
	domain, err := cmd.Flags().GetString("domain")
	if err != nil {
		return err
	}
	summary, err := cmd.Flags().GetBool("summary")
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	records, err := normalize.Decode(in)
	if err != nil {
		return err
	}

	n := normalize.New(normalize.Config{DefaultDomain: domain}, clock.NewSystem())
	enc := json.NewEncoder(cmd.OutOrStdout())
	var items []scraper.NormalizedItem
	var rejected int
	for i, raw := range records {
		line := normalizeLine{Index: i}
		item, err := n.Normalize(raw)
		if err != nil {
			rejected++
			line.Error = err.Error()
			var verr *scraper.ValidationError
			if errors.As(err, &verr) {
				line.Fields = verr.Problems
			}
		} else {
			score := analyze.Score(item)
			line.Item, line.Score = &item, &score
			items = append(items, item)
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}

	if summary {
		if err := enc.Encode(map[string]any{"summary": analyze.Summarize(items)}); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	if rejected > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d records rejected\n", rejected, len(records))
	}
	return nil
}
