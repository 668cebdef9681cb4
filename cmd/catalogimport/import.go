package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/catalogimport/internal/importer"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

// directRunner processes a batch before Run returns.
type directRunner struct{ proc importer.Processor }

func (r directRunner) Run(ctx context.Context, id uuid.UUID) error { return r.proc.Process(ctx, id) }
func (r directRunner) Queued() bool                                { return false }

type importOutput struct {
	BatchID    uuid.UUID              `json:"batch_id"`
	DurationMS int64                  `json:"duration_ms"`
	Result     *importer.StatusReport `json:"result"`
	Failures   []store.Row            `json:"failed_rows,omitempty"`
}

func newImportCmd(a *app) *cobra.Command {
	var (
		mappingFile string
		mappingID   string
		req         importer.UploadRequest
		migrate     bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Upload a file, map it and process it in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attach, err := attachRequest(mappingFile, mappingID)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := a.openStore(ctx, migrate)
			if err != nil {
				return err
			}
			defer st.Close()

			files, err := importer.NewDiskFiles(a.cfg.Import.UploadDir)
			if err != nil {
				return err
			}
			var opts []importer.OrchestratorOption
			if !quiet {
				opts = append(opts, importer.WithObserver(func(id uuid.UUID, p store.Progress) {
					fmt.Fprintf(os.Stderr, "%3d%%  %d rows, %d ok, %d failed\n", p.Percent, p.Processed, p.Success, p.Errors)
				}))
			}
			orch := importer.NewOrchestrator(st, files, a.cfg.Import, opts...)
			svc := importer.NewService(st, files, orch, directRunner{orch}, a.cfg.Import)

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			start := time.Now()
			req.Name = filepath.Base(args[0])
			req.Body = f
			b, err := svc.Upload(ctx, req)
			if err != nil {
				return importer.MapError(err)
			}
			if _, err := svc.AttachMapping(ctx, b.ID, attach); err != nil {
				return importer.MapError(err)
			}
			if err := svc.Start(ctx, b.ID); err != nil {
				return importer.MapError(err)
			}

			// The batch has reached a terminal state; report it even if
			// the run was interrupted.
			ctx = context.WithoutCancel(ctx)
			report, err := svc.Status(ctx, b.ID)
			if err != nil {
				return err
			}
			yes := true
			failed, err := svc.Rows(ctx, b.ID, store.RowFilter{HasErrors: &yes, Limit: 20})
			if err != nil {
				return err
			}
			return writeJSON(importOutput{
				BatchID:    b.ID,
				DurationMS: time.Since(start).Milliseconds(),
				Result:     report,
				Failures:   failed,
			})
		},
	}

	cmd.Flags().StringVar(&mappingFile, "mapping", "", "JSON file with the mapping configuration")
	cmd.Flags().StringVar(&mappingID, "mapping-id", "", "Id of a saved mapping")
	cmd.Flags().StringVar(&req.Encoding, "encoding", "", "CSV encoding (detected when empty)")
	cmd.Flags().StringVar(&req.Delimiter, "delimiter", "", "CSV delimiter: comma, semicolon, tab or pipe")
	cmd.Flags().StringVar(&req.Worksheet, "worksheet", "", "Worksheet of a spreadsheet (first when empty)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations first")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")
	cmd.MarkFlagsOneRequired("mapping", "mapping-id")
	cmd.MarkFlagsMutuallyExclusive("mapping", "mapping-id")
	return cmd
}

func attachRequest(file, id string) (importer.AttachRequest, error) {
	if id != "" {
		u, err := uuid.Parse(id)
		if err != nil {
			return importer.AttachRequest{}, fmt.Errorf("invalid --mapping-id: %w", err)
		}
		return importer.AttachRequest{MappingID: uuid.NullUUID{UUID: u, Valid: true}}, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return importer.AttachRequest{}, err
	}
	var m store.Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return importer.AttachRequest{}, fmt.Errorf("parse %s: %w", file, err)
	}
	return importer.AttachRequest{Mapping: &m}, nil
}
