package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadedConfig(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tMETHOD\tDETAIL\tCATEGORIES")
			for _, name := range cfg.SourceNames() {
				src := cfg.Sources[name]
				method := strings.ToUpper(src.Method)
				if method == "" {
					method = "GET"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", name, method, src.Detail.Enabled, strings.Join(src.Categories, ","))
			}
			return w.Flush()
		},
	}
}
