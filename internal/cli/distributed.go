package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/distributed"
	"github.com/loadgrid/loadgrid/internal/runner"
)

// workersFile is the YAML shape of --workers-file.
type workersFile struct {
	Workers  []distributed.WorkerSpec `yaml:"workers"`
	Strategy string                   `yaml:"strategy,omitempty"`
}

func newDistributedCommand() *cobra.Command {
	var (
		configPath  string
		workersFlag string
		workersPath string
		strategy    string
	)

	cmd := &cobra.Command{
		Use:   "distributed [config]",
		Short: "Coordinate a load test across worker nodes",
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

			workers, fileStrategy, err := resolveWorkers(workersFlag, workersPath)
			if err != nil {
				return err
			}
			if strategy == "" {
				strategy = fileStrategy
			}

			coord, err := distributed.NewCoordinator(distributed.Options{
				Workers:  workers,
				Strategy: strategy,
			}, logrus.StandardLogger())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, runErr := coord.Run(ctx, cfg)
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
	cmd.Flags().StringVarP(&workersFlag, "workers", "w", "", "comma-separated worker addresses (host:port)")
	cmd.Flags().StringVar(&workersPath, "workers-file", "", "YAML file with worker specs (address, capacity, region)")
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "allocation strategy: even, capacity_based, round_robin, geographic")
	return cmd
}

// resolveWorkers combines the --workers list and --workers-file specs.
func resolveWorkers(flat, path string) ([]distributed.WorkerSpec, string, error) {
	var (
		workers  []distributed.WorkerSpec
		strategy string
	)

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("reading workers file: %w", err)
		}
		var wf workersFile
		if err := yaml.Unmarshal(raw, &wf); err != nil {
			return nil, "", fmt.Errorf("parsing workers file: %w", err)
		}
		workers = wf.Workers
		strategy = wf.Strategy
	}

	for _, addr := range strings.Split(flat, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			workers = append(workers, distributed.WorkerSpec{Address: addr})
		}
	}

	if len(workers) == 0 {
		return nil, "", fmt.Errorf("no workers given: use --workers or --workers-file")
	}
	return workers, strategy, nil
}
