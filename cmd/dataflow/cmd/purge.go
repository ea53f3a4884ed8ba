package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/dataflow/internal/dataflow"
)

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "removes finished batches, their items and their uploads",
		Args:  cobra.NoArgs,
		RunE:  purge,
	}
	cmd.Flags().Int("older-than-days", -1, "Remove batches that finished more than this many days ago")
	cmd.Flags().StringSlice("ids", []string{}, "Remove exactly these batches (comma separated or repeated)")
	cmd.Flags().Int("max", 0, "Maximum number of batches removed by --older-than-days; defaults to retention.purgeMaxBatches")
	return cmd
}

func purge(cmd *cobra.Command, _ []string) error {
	days, err := cmd.Flags().GetInt("older-than-days")
	if err != nil {
		return errors.WithStack(err)
	}
	rawIds, err := cmd.Flags().GetStringSlice("ids")
	if err != nil {
		return errors.WithStack(err)
	}
	maxBatches, err := cmd.Flags().GetInt("max")
	if err != nil {
		return errors.WithStack(err)
	}
	byAge := cmd.Flags().Changed("older-than-days")
	if byAge == (len(rawIds) > 0) {
		return errors.New("exactly one of --older-than-days and --ids must be given")
	}
	ids := make([]uuid.UUID, 0, len(rawIds))
	for _, raw := range rawIds {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errors.Wrapf(err, "invalid batch id %q", raw)
		}
		ids = append(ids, id)
	}

	return withServices(cmd, func(ctx context.Context, services *dataflow.Services) error {
		var deleted int
		var err error
		if byAge {
			if maxBatches <= 0 {
				maxBatches = services.Config.Retention.PurgeMaxBatches
			}
			deleted, err = services.Purger.PurgeOlderThan(ctx, days, maxBatches)
		} else {
			deleted, err = services.Purger.PurgeByIds(ctx, ids)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d batches\n", deleted)
		return err
	})
}
