package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/logging"
	"github.com/JonMunkholm/catalogimport/internal/store"
	"github.com/JonMunkholm/catalogimport/internal/store/memstore"
	"github.com/JonMunkholm/catalogimport/internal/store/postgres"
)

// app carries what every subcommand needs once the config is loaded.
type app struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "catalogimport",
		Short:         "Bulk import of machine, engine, part and vendor catalogs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env values override the environment, as in local development.
			if err := godotenv.Overload(); err == nil {
				slog.Debug("loaded .env file")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
			a.cfg = cfg
			return nil
		},
	}
	cmd.AddCommand(
		newServeCmd(a),
		newWorkerCmd(a),
		newMigrateCmd(a),
		newImportCmd(a),
		newRevertCmd(a),
		newMappingsCmd(a),
	)
	return cmd
}

func execute() int {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// openStore connects the configured store, applying migrations first when
// migrate is set.
func (a *app) openStore(ctx context.Context, migrate bool) (store.Store, error) {
	if strings.EqualFold(a.cfg.Database.Driver, "memory") {
		slog.Warn("using in-memory store, data is lost on exit")
		return memstore.New(), nil
	}

	pool, err := postgres.Open(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	if migrate {
		res, err := postgres.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		slog.Info("migrations applied", "count", len(res))
	}
	return postgres.NewStore(pool), nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
