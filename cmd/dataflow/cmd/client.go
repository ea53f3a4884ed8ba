package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/dataflow/internal/dataflow"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manages submitting clients and their webhook subscriptions",
	}
	cmd.AddCommand(createClientCmd(), addWebhookCmd())
	return cmd
}

func createClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <identifier>",
		Short: "Registers a new active client",
		Args:  cobra.ExactArgs(1),
		RunE:  createClient,
	}
	cmd.Flags().String("name", "", "Display name of the client; defaults to the identifier")
	return cmd
}

func createClient(cmd *cobra.Command, args []string) error {
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return errors.WithStack(err)
	}
	if name == "" {
		name = args[0]
	}
	return withServices(cmd, func(ctx context.Context, services *dataflow.Services) error {
		client, err := domain.NewClient(name, args[0], services.Clock.Now())
		if err != nil {
			return err
		}
		if err := services.Repositories.Clients.Create(ctx, client); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created client %s (%s)\n", client.Identifier, client.Id)
		return nil
	})
}

func addWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-webhook <identifier> <url>",
		Short: "Subscribes url to the batch notifications of a client",
		Args:  cobra.ExactArgs(2),
		RunE:  addWebhook,
	}
	cmd.Flags().String("secret", "", "Secret used to sign notifications; notifications are unsigned if empty")
	return cmd
}

func addWebhook(cmd *cobra.Command, args []string) error {
	secret, err := cmd.Flags().GetString("secret")
	if err != nil {
		return errors.WithStack(err)
	}
	return withServices(cmd, func(ctx context.Context, services *dataflow.Services) error {
		client, err := services.Repositories.Clients.GetByIdentifier(ctx, domain.NormalizeIdentifier(args[0]))
		if err != nil {
			return err
		}
		subscription, err := domain.NewWebhookSubscription(client.Id, args[1], secret, services.Clock.Now())
		if err != nil {
			return err
		}
		if err := services.Repositories.Webhooks.AddSubscription(ctx, subscription); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added webhook %s for client %s\n", subscription.Id, client.Identifier)
		return nil
	})
}
