package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/qrv0/pqk/internal/logging"
)

// homeEnv overrides the default ~/.pqk home directory.
const homeEnv = "PQK_HOME"

// app holds the global flags shared by every subcommand.
type app struct {
	logLevel  string
	logFormat string
	home      string
	logger    *slog.Logger
}

func (a *app) modelsDir() string { return filepath.Join(a.home, "models") }

func defaultHome() string {
	if h := os.Getenv(homeEnv); h != "" {
		return h
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".pqk"
	}
	return filepath.Join(dir, ".pqk")
}

func newRootCmd() *cobra.Command {
	a := &app{logger: logging.Noop()}
	root := &cobra.Command{
		Use:   "pqk",
		Short: "pqk - product-quantized layer runtime",
		Long: `pqk packs product-quantized linear and convolution layers into .pqm
containers and runs them on the CPU straight from their packed codes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.New(cmd.ErrOrStderr(), a.logLevel, a.logFormat)
			if err != nil {
				return err
			}
			a.logger = l
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "text", "log format (text or json)")
	pf.StringVar(&a.home, "home", defaultHome(), "pqk home directory (env "+homeEnv+")")

	root.AddCommand(
		newInitCmd(a),
		newListCmd(a),
		newPullCmd(a),
		newPackCmd(a),
		newInspectCmd(a),
		newVerifyCmd(a),
		newForwardCmd(a),
		newCheckCmd(a),
		newExportCmd(a),
	)
	return root
}
