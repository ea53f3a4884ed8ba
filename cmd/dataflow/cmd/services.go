package cmd

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/dataflow/internal/common"
	"github.com/G-Research/dataflow/internal/common/app"
	"github.com/G-Research/dataflow/internal/dataflow"
)

// withServices runs action against services built from the loaded configuration. Logs go to stderr
// so that command output on stdout stays machine readable.
func withServices(cmd *cobra.Command, action func(ctx context.Context, services *dataflow.Services) error) error {
	common.ConfigureCommandLineLogging()
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	common.SetLogLevel(config.Logging.Level)

	ctx := app.CreateContextWithShutdown()
	services, err := dataflow.NewServices(ctx, config)
	if err != nil {
		return err
	}
	defer services.Close()
	return action(ctx, services)
}

func printJson(out io.Writer, v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return errors.WithStack(encoder.Encode(v))
}
