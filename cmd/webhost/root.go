package main

import (
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/config"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
)

type globalFlags struct {
	dev      bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "webhost",
		Short: "Host custom URL schemes and a script bridge for embedded web pages",
		Long: `webhost serves app-defined URL schemes to web pages through a host
engine, routes page messages to native handlers and exposes a small RPC
layer over the bridge. The bundled engine is headless.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&g.dev, "dev", false, "development logging (console, debug level)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")

	root.AddCommand(newRunCmd(g), newValidateCmd())
	return root
}

// logger builds the process logger from env config and flags
func (g *globalFlags) logger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.Logging.Development || g.dev {
		lc = logging.DevelopmentConfig()
	}
	if cfg.Logging.Level != "" && !g.dev {
		lc.Level = cfg.Logging.Level
	}
	if g.logLevel != "" {
		lc.Level = g.logLevel
	}
	return logging.New(lc)
}
