package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/dataflow/internal/common"
	"github.com/G-Research/dataflow/internal/dataflow/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/dataflow"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dataflow",
		SilenceUsage: true,
		Short:        "Ingests uploaded files and delivers their records downstream in chunks",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		submitCmd(),
		statusCmd(),
		purgeCmd(),
		migrateCmd(),
		clientCmd(),
	)

	return cmd
}

// loadConfig exits the process if the configuration cannot be read or is invalid.
func loadConfig(cmd *cobra.Command) (*configuration.DataflowConfig, error) {
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return nil, err
	}
	var config configuration.DataflowConfig
	common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs)
	return &config, nil
}
