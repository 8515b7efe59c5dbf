package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vango-go/evalroom/pkg/gateway/store"
)

func newMigrateCmd(deps appDeps) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				files, err := store.MigrationFiles()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintln(cmd.OutOrStdout(), f)
				}
				return nil
			}

			cfg, logger, err := loadRuntime(deps)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("EVALROOM_DATABASE_URL is required to migrate")
			}
			pool, err := store.NewPool(cmd.Context(), cfg.DatabaseURL, store.PoolConfig{MaxConns: 1})
			if err != nil {
				return err
			}
			defer pool.Close()

			version, err := store.Migrate(cmd.Context(), pool, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list embedded migrations without connecting")
	return cmd
}
