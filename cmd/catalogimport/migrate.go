package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/catalogimport/internal/store/postgres"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := postgres.Open(cmd.Context(), a.cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := postgres.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			if len(res) == 0 {
				fmt.Println("no pending migrations")
			}
			for _, r := range res {
				fmt.Printf("applied %s (%s)\n", r.Source.Path, r.Duration.Round(time.Millisecond))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := postgres.Open(cmd.Context(), a.cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			st, err := postgres.MigrationStatus(cmd.Context(), pool)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
			for _, s := range st {
				applied := "-"
				if !s.AppliedAt.IsZero() {
					applied = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
			}
			return tw.Flush()
		},
	})
	return cmd
}
