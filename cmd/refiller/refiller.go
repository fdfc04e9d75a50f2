// Package refiller runs the background pool maintenance daemon.
package refiller

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/cmd/providers"
	"go.opencrowd.net/scriptorium/pkg/refill"
	"go.opencrowd.net/scriptorium/pkg/reservation"
)

// Cmd is the refiller sub-command.
var Cmd = cobra.Command{
	Use:   "refiller",
	Short: "Run pool maintenance daemon",
	Long: "Runs the background process that keeps candidate pools topped up,\n" +
		"evicts stale pool entries, and expires abandoned reservations.\n" +
		"It is safe to run multiple refillers; a per-scope lock prevents\n" +
		"duplicate work.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(Run))
		app.Run()
	},
}

type refillerIn struct {
	fx.In

	Ctx          context.Context
	Shutdown     fx.Shutdowner
	Daemon       *refill.Daemon
	Reservations *reservation.Store
}

// Run starts the daemon and the reservation sweep.
func Run(log *zap.Logger, inputs refillerIn) {
	go func() {
		defer func() {
			if err := inputs.Shutdown.Shutdown(); err != nil {
				log.Error("Shutdown failed", zap.Error(err))
			}
		}()
		err := inputs.Daemon.Run(inputs.Ctx)
		if inputs.Ctx.Err() == nil && err != nil {
			log.Error("Daemon failed", zap.Error(err))
		}
	}()
	go func() {
		interval := viper.GetDuration(providers.ConfReservationSweepInterval)
		err := inputs.Reservations.Sweep(inputs.Ctx, interval)
		if inputs.Ctx.Err() == nil && err != nil {
			log.Error("Reservation sweep failed", zap.Error(err))
		}
	}()
}
