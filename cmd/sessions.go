package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-harvester/internal/app"
)

func newSessionsCmd() *cobra.Command {
	var (
		source string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent crawl sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sessions, err := a.Store().ListSessions(ctx, source, limit)
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tSTARTED\tPAGES\tITEMS")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
						s.ID, s.Source, s.Status, s.StartedAt.Format(time.RFC3339), s.PagesScraped, s.ItemsFound)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "only sessions of this source")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}
