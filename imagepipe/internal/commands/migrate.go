package commands

import (
	"github.com/spf13/cobra"

	"github.com/imagepipe/imagepipe/imagepipe/internal/store"
)

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres metadata store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Backend != "postgres" {
				p.Warn("store.backend is %q; migrating the postgres store anyway", cfg.Store.Backend)
			}

			version, err := store.Migrate(cfg.Store.Postgres.DSN())
			if err != nil {
				return err
			}
			if p.Structured() {
				return p.Value(map[string]uint{"version": version})
			}
			p.Success("Database migrations completed (version %d)", version)
			return nil
		},
	}
}
