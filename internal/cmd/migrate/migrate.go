package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/config"
	registrymigrate "github.com/chirino/commsync/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their primary interface.
	_ "github.com/chirino/commsync/internal/plugin/store/postgres"
	_ "github.com/chirino/commsync/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the sync engine schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-url",
				Sources: cli.EnvVars("COMMSYNC_DB_URL"),
				Usage:   "Database connection URL",
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("COMMSYNC_DB_KIND"),
				Usage:   "Store backend (postgres|sqlite)",
				Value:   "postgres",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.DatastoreMigrateAtStart = true
			if cfg.DatastoreType == "postgres" && cfg.DBURL == "" {
				return cli.Exit("--db-url is required for postgres", 1)
			}
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "db", cfg.DatastoreType)
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
