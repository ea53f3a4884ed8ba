package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/G-Research/dataflow/internal/dataflow"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <batchId>",
		Short: "Prints the state of a batch",
		Args:  cobra.ExactArgs(1),
		RunE:  batchStatus,
	}
	cmd.Flags().StringP("output", "o", "json", "Output format, json or yaml")
	return cmd
}

func batchStatus(cmd *cobra.Command, args []string) error {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return errors.WithStack(err)
	}
	if output != "json" && output != "yaml" {
		return errors.Errorf("unsupported output format %q", output)
	}
	batchId, err := uuid.Parse(args[0])
	if err != nil {
		return errors.Wrapf(err, "invalid batch id %q", args[0])
	}
	return withServices(cmd, func(ctx context.Context, services *dataflow.Services) error {
		view, err := services.Ingest.Status(ctx, batchId)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJson(cmd.OutOrStdout(), view)
		}
		// Field names follow the json tags of the view.
		out, err := yaml.Marshal(view)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
		return errors.WithStack(err)
	})
}
