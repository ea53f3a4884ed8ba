package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/dataflow/internal/dataflow"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "migrates the dataflow database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	start := time.Now()
	log.Infof("Beginning %s database migration", config.DatabaseType)
	if err := dataflow.Migrate(context.Background(), config); err != nil {
		return errors.WithMessage(err, "failed to migrate dataflow database")
	}
	log.Infof("Dataflow database migrated in %s", time.Since(start))
	return nil
}
