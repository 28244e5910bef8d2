package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/moonblokz/probe/pkg/journal"
)

func newHistoryCmd() *cobra.Command {
	var flagLimit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent firmware update runs from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.JournalPath) == "" {
				return errors.New("journal_path is not configured")
			}
			store, err := journal.Open(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Recent(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tKIND\tFROM\tTO\tSTATE\tREBOOT\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%t\t%s\n",
					r.FinishedAt.Format(time.RFC3339), r.Kind, r.FromVersion, r.ToVersion,
					r.FinalState, r.Rebooted, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum number of runs to print")
	return cmd
}
