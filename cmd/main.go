package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	admintool "go.opencrowd.net/scriptorium/cmd/admin_tool"
	"go.opencrowd.net/scriptorium/cmd/migrate"
	"go.opencrowd.net/scriptorium/cmd/providers"
	"go.opencrowd.net/scriptorium/cmd/refiller"
)

var rootCmd = cobra.Command{
	Use:   "scriptorium",
	Short: "Crowd work allocation and reservation service",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		log, err := logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		providers.Log = log
	},
}

var devMode bool

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")
	viper.SetEnvPrefix("scriptorium")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	rootCmd.AddCommand(
		&admintool.Cmd,
		&migrate.Cmd,
		&refiller.Cmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
	}
}
