// Package migrate creates the allocator's tables.
package migrate

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/cmd/providers"
	"go.opencrowd.net/scriptorium/pkg/assets"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/reservation"
)

// Cmd is the migrate sub-command.
var Cmd = cobra.Command{
	Use:   "migrate",
	Short: "Create database tables",
	Long: "Creates the work item, candidate pool and reservation tables.\n" +
		"Intended for fresh deployments and local development.",
	Args: cobra.NoArgs,
	Run:  providers.NewCmd(Run),
}

type migrateIn struct {
	fx.In

	Ctx          context.Context
	Shutdown     fx.Shutdowner
	DB           *sqlx.DB
	Assets       *assets.Store
	Reservations *reservation.Store
}

// Run creates all tables and exits.
func Run(log *zap.Logger, inputs migrateIn) {
	defer func() {
		if err := inputs.Shutdown.Shutdown(); err != nil {
			log.Error("Shutdown failed", zap.Error(err))
		}
	}()
	if err := inputs.Assets.CreateTables(inputs.Ctx); err != nil {
		log.Fatal("Failed to create work item tables", zap.Error(err))
	}
	if err := inputs.Reservations.CreateTable(inputs.Ctx); err != nil {
		log.Fatal("Failed to create reservation table", zap.Error(err))
	}
	if err := pool.CreateTables(inputs.Ctx, inputs.DB); err != nil {
		log.Fatal("Failed to create pool tables", zap.Error(err))
	}
	log.Info("Created tables")
}
