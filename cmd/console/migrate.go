package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ernest01982/tuktukadmin/internal/backend/postgres"
	"github.com/Ernest01982/tuktukadmin/internal/config"
	"github.com/Ernest01982/tuktukadmin/internal/migrate"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
)

func newMigrateCmd() *cobra.Command {
	var (
		dsn            string
		migrationsPath string
		seedsPath      string
		timeout        time.Duration
	)
	cmd := &cobra.Command{
		Use:       "migrate [up|down|seed|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "seed", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.PGDSN
			}
			if dsn == "" {
				return errors.New("missing DSN: provide via --dsn or TUKTUK_PG_DSN")
			}
			if migrationsPath == "" {
				migrationsPath = cfg.Migrations
			}
			if seedsPath == "" {
				seedsPath = cfg.Seeds
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := postgres.Open(dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			mgr := migrate.NewManager(db, migrate.Migrations(migrationsPath), migrate.Seeds(seedsPath),
				migrate.WithLogger(obs.Logger()))

			switch args[0] {
			case "up":
				err = mgr.Up(ctx)
			case "down":
				err = mgr.Down(ctx)
			case "seed":
				err = mgr.Seed(ctx)
			case "status":
				var history []string
				history, err = mgr.Status(ctx)
				for _, item := range history {
					fmt.Fprintln(cmd.OutOrStdout(), item)
				}
			}
			if err != nil {
				return fmt.Errorf("migrate %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default TUKTUK_PG_DSN)")
	cmd.Flags().StringVar(&migrationsPath, "migrations", "", "directory of SQL migrations (default embedded)")
	cmd.Flags().StringVar(&seedsPath, "seeds", "", "directory of SQL seeds (default embedded)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall migration timeout")
	return cmd
}
