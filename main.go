package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-relay/config"
)

var (
	env      config.Env
	logDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "go-relay",
	Short: "Cross-server chat relay",
	Long: `go-relay forwards chat lines between a fixed set of peer servers.

Every node listens for chat from its peers and from registered local clients,
and pushes its own chat to every peer over a fresh connection.

Settings default to RELAY_* environment variables; flags take precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger(logDebug)
	},
}

func setupLogger(debug bool) error {
	var zc zap.Config
	if debug {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Encoding = "console"
	}
	zc.OutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger, err=%w", err)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func main() {
	var err error
	env, err = config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment, err=%s\n", err.Error())
		os.Exit(2)
	}

	rootCmd.PersistentFlags().BoolVar(&logDebug, "debug", env.LogDebug, "enable debug logging")
	rootCmd.AddCommand(newRunCmd(), newAttachCmd())

	err = rootCmd.Execute()
	zap.L().Sync()
	if err != nil {
		os.Exit(1)
	}
}
