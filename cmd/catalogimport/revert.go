package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/catalogimport/internal/importer"
)

func newRevertCmd(a *app) *cobra.Command {
	var preview bool

	cmd := &cobra.Command{
		Use:   "revert BATCH_ID",
		Short: "Delete the records a batch created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid batch id: %w", err)
			}
			ctx := cmd.Context()

			st, err := a.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer st.Close()

			files, err := importer.NewDiskFiles(a.cfg.Import.UploadDir)
			if err != nil {
				return err
			}
			orch := importer.NewOrchestrator(st, files, a.cfg.Import)

			if preview {
				p, err := orch.PreviewRevert(ctx, id)
				if err != nil {
					return importer.MapError(err)
				}
				return writeJSON(p)
			}
			res, err := orch.Revert(ctx, id)
			if err != nil {
				return importer.MapError(err)
			}
			return writeJSON(res)
		},
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "Show what would be deleted without deleting")
	return cmd
}
