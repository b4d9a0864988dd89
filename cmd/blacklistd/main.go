package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/modusec/blacklist/pkg/api"
	"github.com/modusec/blacklist/pkg/app"
	"github.com/modusec/blacklist/pkg/config"
	"github.com/modusec/blacklist/pkg/log"
	"github.com/modusec/blacklist/pkg/types"
)

var version = "dev"

// Exit codes, stable for process supervisors:
// 1 config error, 2 vault corruption, 3 store unreachable.
const (
	exitConfig = 1
	exitVault  = 2
	exitStore  = 3
)

func main() {
	root := &cobra.Command{
		Use:           "blacklistd",
		Short:         "IP blacklist collection and serving daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the blacklist service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			log.Init(log.Config{
				Level:      log.Level(cfg.LogLevel),
				JSONOutput: cfg.LogJSON,
			})
			logger := log.WithComponent("main")
			logger.Info().
				Str("version", version).
				Str("config", cfg.String()).
				Msg("starting blacklistd")

			api.Version = version
			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// exitCode maps startup failures onto the documented exit codes.
func exitCode(err error) int {
	switch types.KindOf(err) {
	case types.KindVaultCorrupt:
		return exitVault
	case types.KindStoreUnavailable:
		return exitStore
	default:
		return exitConfig
	}
}
