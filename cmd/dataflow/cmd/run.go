package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/dataflow/internal/common/app"
	"github.com/G-Research/dataflow/internal/dataflow"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the worker: batch poller, lock watchdog, retention sweeper and event consumer",
		RunE:  runWorker,
	}
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return dataflow.New(config).StartUp(app.CreateContextWithShutdown())
}
