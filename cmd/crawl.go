package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-harvester/internal/app"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	var (
		categories []string
		serve      bool
	)
	cmd := &cobra.Command{
		Use:   "crawl <source>",
		Short: "Run one crawl session over a configured source",
		Long: `Crawls every category of the source (or only those given with
--category) until each one runs out of new records, then prints the session.
With --serve, or server.enabled, the ops server runs for the duration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig(cmd.Context())
			if err != nil {
				return err
			}
			serve = serve || cfg.Server.Enabled
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stopServer, err := startOpsServer(ctx, a, serve, cfg.Server.Port)
				if err != nil {
					return err
				}
				session, runErr := a.Crawl(ctx, args[0], categories)
				stopErr := stopServer()
				printSession(cmd, session)
				if runErr != nil {
					runErr = fmt.Errorf("crawl %s: %w", args[0], runErr)
				}
				return errors.Join(runErr, stopErr)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&categories, "category", "c", nil, "category to crawl (repeatable; defaults to the source's list)")
	cmd.Flags().BoolVar(&serve, "serve", false, "run the ops server while crawling")
	return cmd
}

func startOpsServer(ctx context.Context, a *app.App, enabled bool, port int) (func() error, error) {
	if !enabled {
		return func() error { return nil }, nil
	}
	srv, err := a.OpsServer()
	if err != nil {
		return nil, err
	}
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(serveCtx, fmt.Sprintf(":%d", port)) }()
	return func() error {
		cancel()
		return <-done
	}, nil
}

func printSession(cmd *cobra.Command, s crawler.CrawlSession) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s (%s) %s: %d pages, %d items\n", s.ID, s.Source, s.Status, s.PagesScraped, s.ItemsFound)
	if s.ErrorMessage != "" {
		fmt.Fprintf(out, "error: %s\n", s.ErrorMessage)
	}
}
