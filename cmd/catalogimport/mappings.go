package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newMappingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Inspect saved mapping configurations",
	}

	var all, asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer st.Close()

			mappings, err := st.ListMappings(cmd.Context(), all)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(mappings)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCHUNK\tSKIP DUPES\tUPDATE\tCREATED")
			for _, m := range mappings {
				name := m.Name
				if m.Temporary {
					name += " (temporary)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%t\t%s\n", m.ID, name, m.ChunkSize,
					m.SkipDuplicates, m.UpdateExisting, m.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&all, "all", false, "Include temporary mappings")
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.AddCommand(list)
	return cmd
}
