package repository

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

type subscriptionRow struct {
	Id        string    `db:"id"`
	ClientId  string    `db:"client_id"`
	Url       string    `db:"url"`
	Secret    string    `db:"secret"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

type failureRow struct {
	Id             string    `db:"id"`
	SubscriptionId string    `db:"subscription_id"`
	ClientId       string    `db:"client_id"`
	BatchId        string    `db:"batch_id"`
	Event          string    `db:"event"`
	Attempts       int       `db:"attempts"`
	Error          string    `db:"error"`
	FailedAt       time.Time `db:"failed_at"`
}

type SqlWebhookRepository struct {
	db *goqu.Database
}

func (r *SqlWebhookRepository) GetActiveSubscriptions(ctx context.Context, clientId uuid.UUID) ([]*domain.WebhookSubscription, error) {
	var rows []subscriptionRow
	err := r.db.From(subscriptionTable).Prepared(true).
		Where(
			goqu.C("client_id").Eq(clientId.String()),
			goqu.C("is_active").IsTrue(),
		).
		Order(goqu.C("created_at").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	subscriptions := make([]*domain.WebhookSubscription, 0, len(rows))
	for _, row := range rows {
		id, err := parseId(row.Id)
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, &domain.WebhookSubscription{
			Id:        id,
			ClientId:  clientId,
			Url:       row.Url,
			Secret:    row.Secret,
			IsActive:  row.IsActive,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return subscriptions, nil
}

func (r *SqlWebhookRepository) AddSubscription(ctx context.Context, subscription *domain.WebhookSubscription) error {
	_, err := r.db.Insert(subscriptionTable).Prepared(true).Rows(goqu.Record{
		"id":         subscription.Id.String(),
		"client_id":  subscription.ClientId.String(),
		"url":        subscription.Url,
		"secret":     subscription.Secret,
		"is_active":  subscription.IsActive,
		"created_at": subscription.CreatedAt.UTC(),
	}).Executor().ExecContext(ctx)
	if isUniqueViolation(err) {
		return errors.WithStack(&dataflowerrors.ErrAlreadyExists{Type: "webhook subscription", Value: subscription.Url})
	}
	return errors.WithStack(err)
}

func (r *SqlWebhookRepository) RecordDeliveryFailure(ctx context.Context, failure *domain.WebhookDeliveryFailure) error {
	id := failure.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := r.db.Insert(failureTable).Prepared(true).Rows(goqu.Record{
		"id":              id.String(),
		"subscription_id": failure.SubscriptionId.String(),
		"client_id":       failure.ClientId.String(),
		"batch_id":        failure.BatchId.String(),
		"event":           failure.Event,
		"attempts":        failure.Attempts,
		"error":           failure.Error,
		"failed_at":       failure.FailedAt.UTC(),
	}).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func (r *SqlWebhookRepository) GetDeliveryFailures(ctx context.Context, clientId uuid.UUID) ([]*domain.WebhookDeliveryFailure, error) {
	var rows []failureRow
	err := r.db.From(failureTable).Prepared(true).
		Where(goqu.C("client_id").Eq(clientId.String())).
		Order(goqu.C("failed_at").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	failures := make([]*domain.WebhookDeliveryFailure, 0, len(rows))
	for _, row := range rows {
		ids := make([]uuid.UUID, 3)
		for i, s := range []string{row.Id, row.SubscriptionId, row.BatchId} {
			if ids[i], err = parseId(s); err != nil {
				return nil, err
			}
		}
		failures = append(failures, &domain.WebhookDeliveryFailure{
			Id:             ids[0],
			SubscriptionId: ids[1],
			ClientId:       clientId,
			BatchId:        ids[2],
			Event:          row.Event,
			Attempts:       row.Attempts,
			Error:          row.Error,
			FailedAt:       row.FailedAt.UTC(),
		})
	}
	return failures, nil
}
