package migrate

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/graffitidb/engine/internal/kvstore"

	// Blank-imported so each backend's init() registers itself with kvstore.
	_ "github.com/graffitidb/engine/internal/kvstore/mongo"
	_ "github.com/graffitidb/engine/internal/kvstore/postgres"
	_ "github.com/graffitidb/engine/internal/kvstore/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Install or repair the storage backend's schema and indexes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("GRAFFITI_DB_URL"),
				Usage:    "Backend connection string",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("GRAFFITI_DB_KIND"),
				Usage:   fmt.Sprintf("Storage backend %v", kvstore.Names()),
				Value:   "sqlite",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			kind := cmd.String("db-kind")
			loader, err := kvstore.Select(kind)
			if err != nil {
				return err
			}

			log.Info("opening backend", "kind", kind)
			backend, err := loader(ctx, cmd.String("db-url"))
			if err != nil {
				return fmt.Errorf("migrate: opening %s backend: %w", kind, err)
			}
			defer backend.Close()

			log.Info("running migrations", "kind", kind)
			if err := backend.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations completed")
			return nil
		},
	}
}
