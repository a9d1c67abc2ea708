package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loadgrid/loadgrid/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	var (
		port int
		addr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker node awaiting coordinator instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = fmt.Sprintf(":%d", port)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := worker.NewServer(addr, logrus.StandardLogger())
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", worker.DefaultPort, "control API port")
	cmd.Flags().StringVar(&addr, "addr", "", "explicit listen address (overrides --port)")
	return cmd
}
