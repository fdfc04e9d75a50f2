package admin_tool

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/cmd/providers"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/refill"
)

var poolCmd = cobra.Command{
	Use:   "pool",
	Short: "Inspect and maintain candidate pools",
}

var poolRefillCmd = cobra.Command{
	Use:   "refill <kind> <scope>",
	Short: "Run one pool refill, e.g. refill transcribable/campaign 7",
	Args:  cobra.ExactArgs(2),
	Run:   providers.NewCmd(runPoolRefill),
}

var poolCleanupCmd = cobra.Command{
	Use:   "cleanup <kind> <scope>",
	Short: "Run one pool cleanup, e.g. cleanup reviewable/topic 3",
	Args:  cobra.ExactArgs(2),
	Run:   providers.NewCmd(runPoolCleanup),
}

var force bool

func init() {
	poolRefillCmd.Flags().BoolVar(&force, "force", false,
		"Run even when another worker holds the scope lock")
	poolCleanupCmd.Flags().BoolVar(&force, "force", false,
		"Run even when another worker holds the scope lock")
	poolCmd.AddCommand(&poolRefillCmd, &poolCleanupCmd)
}

func parseTarget(log *zap.Logger, args []string) (pool.Kind, int64) {
	kind, err := pool.ParseKind(args[0])
	if err != nil {
		log.Fatal("Invalid pool kind", zap.Error(err))
	}
	scope, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		log.Fatal("Invalid scope ID", zap.Error(err))
	}
	return kind, scope
}

type poolIn struct {
	fx.In

	Ctx      context.Context
	Shutdown fx.Shutdowner
	Args     []string
	Refiller *refill.Refiller
	Cleaner  *refill.Cleaner
}

func runPoolRefill(log *zap.Logger, inputs poolIn) {
	defer func() {
		if err := inputs.Shutdown.Shutdown(); err != nil {
			log.Error("Shutdown failed", zap.Error(err))
		}
	}()
	kind, scope := parseTarget(log, inputs.Args)
	if err := inputs.Refiller.RunOnce(inputs.Ctx, kind, scope, force); err != nil {
		log.Fatal("Refill failed", zap.Error(err))
	}
	log.Info("Refill done")
}

func runPoolCleanup(log *zap.Logger, inputs poolIn) {
	defer func() {
		if err := inputs.Shutdown.Shutdown(); err != nil {
			log.Error("Shutdown failed", zap.Error(err))
		}
	}()
	kind, scope := parseTarget(log, inputs.Args)
	if err := inputs.Cleaner.RunOnce(inputs.Ctx, kind, scope, force); err != nil {
		log.Fatal("Cleanup failed", zap.Error(err))
	}
	log.Info("Cleanup done")
}
