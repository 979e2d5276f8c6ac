package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dderyldowney/afs-fieldbus/config"
	"github.com/dderyldowney/afs-fieldbus/dbpool"
	"github.com/dderyldowney/afs-fieldbus/timeseries"
	"github.com/dderyldowney/afs-fieldbus/tokenusage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run AutoMigrate against the raw/decoded message tables and the
token-usage accounting table, and — on PostgreSQL — convert the raw and
decoded tables into TimescaleDB hypertables if the extension is available.

Examples:
  # Migrate using whatever AFS_DATABASE_URL/AFS_SQLITE_URL is set
  fieldbusd migrate`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dialect, dsn := cfg.Dialect()
	models := append(timeseries.AllModels(), &tokenusage.Record{})

	poolCfg := dbpool.Defaults()
	poolCfg.DSN = dsn
	poolCfg.Dialect = dialect
	poolCfg.MaxConnections = cfg.MaxConnections
	poolCfg.MinConnections = cfg.MinConnections
	poolCfg.PoolTimeout = cfg.PoolTimeout
	poolCfg.PoolRecycle = cfg.PoolRecycle
	poolCfg.PoolPrePing = cfg.PoolPrePing
	poolCfg.HealthCheckInterval = cfg.HealthCheckInterval

	pool, err := dbpool.Open(poolCfg, models...)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _ = pool.Shutdown(context.Background()) }()

	store := timeseries.NewStore(pool, dialect)
	if dialect == "postgres" {
		if err := store.EnsureHypertables(context.Background()); err != nil {
			cmd.PrintErrf("migrate: hypertable setup skipped: %v\n", err)
		}
	}

	cmd.Printf("Migrations completed successfully (dialect: %s)\n", dialect)
	return nil
}
