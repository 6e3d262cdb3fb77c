package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"echoroom-agent/internal/usage"
)

func newUsageCmd(opts *rootOptions) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize the token usage ledger for one UTC day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.UsageDB == "" {
				return errors.New("usage_db is not configured")
			}
			if day = strings.TrimSpace(day); day == "" {
				day = time.Now().UTC().Format(time.DateOnly)
			} else if _, err := time.Parse(time.DateOnly, day); err != nil {
				return fmt.Errorf("--day: %w", err)
			}

			store, err := usage.NewStore(cfg.UsageDB)
			if err != nil {
				return err
			}
			defer store.Close()

			total, err := store.Summary(cmd.Context(), day)
			if err != nil {
				return err
			}
			byPersona, err := store.SummaryByPersona(cmd.Context(), day)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(byPersona))
			for id := range byPersona {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PERSONA\tCALLS\tTOKENS\tINPUT\tOUTPUT")
			for _, id := range ids {
				s := byPersona[id]
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", id, s.TotalRecords, s.TotalTokens, s.TotalInputTokens, s.TotalOutputTokens)
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", "total ("+day+")", total.TotalRecords, total.TotalTokens, total.TotalInputTokens, total.TotalOutputTokens)
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "UTC day as YYYY-MM-DD (default today)")
	return cmd
}
