package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/runner"
)

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run [config]",
		Short: "Run a load test locally",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(args, configPath)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := runner.New(cfg, logrus.StandardLogger())
			summary, runErr := r.Run(ctx)
			if summary != nil {
				printSummary(os.Stdout, summary)
			}

			switch {
			case errors.Is(runErr, runner.ErrTestAborted):
				return &exitError{code: 3, msg: "test aborted"}
			case errors.Is(runErr, runner.ErrTestFailed):
				return &exitError{code: 2, msg: "test failed: threshold violated"}
			case runErr != nil:
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "test configuration file (alias for the positional argument)")
	return cmd
}

// resolveConfigPath prefers the positional config argument over the
// --config flag.
func resolveConfigPath(args []string, flag string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if flag != "" {
		return flag, nil
	}
	return "", fmt.Errorf("a configuration file is required: pass it as an argument or via --config")
}
