package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow"
	"github.com/G-Research/dataflow/internal/dataflow/ingest"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submits a .json, .csv or .xlsx file as a new batch",
		Args:  cobra.ExactArgs(1),
		RunE:  submit,
	}
	cmd.Flags().String("client", "", "Identifier of the submitting client")
	cmd.Flags().String("origin", "cli", "Where the file came from")
	cmd.Flags().String("requested-by", "", "User on whose behalf the file is submitted")
	cmd.Flags().StringToString("metadata", map[string]string{}, "Extra metadata stored with the batch, e.g. --metadata campaign=spring")
	if err := cmd.MarkFlagRequired("client"); err != nil {
		panic(err)
	}
	return cmd
}

func submit(cmd *cobra.Command, args []string) error {
	clientIdentifier, err := cmd.Flags().GetString("client")
	if err != nil {
		return errors.WithStack(err)
	}
	origin, err := cmd.Flags().GetString("origin")
	if err != nil {
		return errors.WithStack(err)
	}
	requestedBy, err := cmd.Flags().GetString("requested-by")
	if err != nil {
		return errors.WithStack(err)
	}
	metadata, err := cmd.Flags().GetStringToString("metadata")
	if err != nil {
		return errors.WithStack(err)
	}

	path := args[0]
	file, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer file.Close()

	return withServices(cmd, func(ctx context.Context, services *dataflow.Services) error {
		result, err := services.Ingest.Submit(ctx, ingest.SubmitRequest{
			ClientIdentifier: clientIdentifier,
			FileName:         filepath.Base(path),
			Reader:           file,
			Origin:           origin,
			RequestedBy:      requestedBy,
			Metadata:         metadata,
		})
		if err != nil {
			if retryAfter, ok := dataflowerrors.RetryAfter(err); ok {
				return errors.WithMessagef(err, "retry after %s", retryAfter)
			}
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Submitted batch %s (%d bytes, sha256 %s)\n", result.BatchId, result.FileSizeBytes, result.Checksum)
		fmt.Fprintf(out, "Status: %s, decision: %s\n", result.Status, result.PolicyDecision)
		if result.ScheduledFor != nil {
			fmt.Fprintf(out, "Scheduled for %s: %s\n", result.ScheduledFor.Format("2006-01-02 15:04 MST"), result.Reason)
		}
		fmt.Fprintf(out, "Rate limit: %d of %d submissions remaining\n", result.RateLimit.Remaining, result.RateLimit.Limit)
		return nil
	})
}
