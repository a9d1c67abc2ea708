// Package cli wires the loadgrid commands: run, worker, distributed
// and version.
package cli

import (
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is stamped by the release build.
var Version = "dev"

var (
	flagLogLevel string
	flagNoColor  bool
)

// NewRootCommand builds the loadgrid command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "loadgrid",
		Short:         "Distributed load generation engine",
		Long:          "loadgrid drives synthetic load against HTTP services from declarative YAML/JSON test plans,\nstandalone or coordinated across worker nodes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging()
		},
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored output")

	root.AddCommand(newRunCommand())
	root.AddCommand(newWorkerCommand())
	root.AddCommand(newDistributedCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		var ec *exitError
		if asExitError(err, &ec) {
			if ec.msg != "" {
				logrus.Error(ec.msg)
			}
			return ec.code
		}
		logrus.Error(err)
		return 1
	}
	return 0
}

func configureLogging() {
	level, err := logrus.ParseLevel(flagLogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
		DisableColors:   flagNoColor,
	})
	logrus.SetOutput(os.Stderr)

	if flagNoColor {
		color.NoColor = true
	}
}

// exitError carries an explicit process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func asExitError(err error, target **exitError) bool {
	ec, ok := err.(*exitError)
	if ok {
		*target = ec
	}
	return ok
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the loadgrid version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("loadgrid %s\n", Version)
		},
	}
}
