package cli

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/maastricht-university/soundscan/pool"
	"github.com/maastricht-university/soundscan/worker"
)

// newWorkerCmd is the entry point of a pool process. It speaks frames on
// stdin/stdout and logs JSON to stderr, which the parent forwards.
func newWorkerCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one scan worker (started by scan)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// the parent owns Ctrl+C and cancels through the pipe
			signal.Ignore(os.Interrupt)
			if err := setupLogging(level, "json", os.Stderr); err != nil {
				return err
			}
			return pool.Serve(cmd.Context(), os.Stdin, os.Stdout, worker.DefaultDeps())
		},
	}
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")
	return cmd
}
