package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

type clientRow struct {
	Id         string       `db:"id"`
	Name       string       `db:"name"`
	Identifier string       `db:"identifier"`
	SecretHash []byte       `db:"secret_hash"`
	SecretSalt []byte       `db:"secret_salt"`
	Status     string       `db:"status"`
	CreatedAt  time.Time    `db:"created_at"`
	LastSeenAt sql.NullTime `db:"last_seen_at"`
}

type policyRow struct {
	Id                        string        `db:"id"`
	ClientId                  string        `db:"client_id"`
	MaxFileSizeMb             sql.NullInt64 `db:"max_file_size_mb"`
	MaxBatchPerDay            sql.NullInt64 `db:"max_batch_per_day"`
	AllowedStartHour          sql.NullInt64 `db:"allowed_start_hour"`
	AllowedEndHour            sql.NullInt64 `db:"allowed_end_hour"`
	RequireSchedulingForLarge bool          `db:"require_scheduling_for_large"`
	LargeThresholdMb          sql.NullInt64 `db:"large_threshold_mb"`
	RateLimitPerMinute        sql.NullInt64 `db:"rate_limit_per_minute"`
	RedactPayloadOnSuccess    sql.NullBool  `db:"redact_payload_on_success"`
	RedactPayloadOnFailure    sql.NullBool  `db:"redact_payload_on_failure"`
	RetentionDays             sql.NullInt64 `db:"retention_days"`
	CreatedAt                 time.Time     `db:"created_at"`
}

type SqlClientRepository struct {
	db *goqu.Database
}

func (r *SqlClientRepository) Create(ctx context.Context, client *domain.Client) error {
	_, err := r.db.Insert(clientTable).Prepared(true).Rows(goqu.Record{
		"id":           client.Id.String(),
		"name":         client.Name,
		"identifier":   domain.NormalizeIdentifier(client.Identifier),
		"secret_hash":  client.SecretHash,
		"secret_salt":  client.SecretSalt,
		"status":       string(client.Status),
		"created_at":   client.CreatedAt.UTC(),
		"last_seen_at": nullableTime(client.LastSeenAt),
	}).Executor().ExecContext(ctx)
	if isUniqueViolation(err) {
		return errors.WithStack(&dataflowerrors.ErrAlreadyExists{Type: "client", Value: client.Identifier})
	}
	return errors.WithStack(err)
}

func (r *SqlClientRepository) GetById(ctx context.Context, id uuid.UUID) (*domain.Client, error) {
	return r.getOne(ctx, goqu.C("id").Eq(id.String()), id.String())
}

func (r *SqlClientRepository) GetByIdentifier(ctx context.Context, identifier string) (*domain.Client, error) {
	normalized := domain.NormalizeIdentifier(identifier)
	return r.getOne(ctx, goqu.C("identifier").Eq(normalized), normalized)
}

func (r *SqlClientRepository) getOne(ctx context.Context, filter goqu.Expression, value string) (*domain.Client, error) {
	var row clientRow
	found, err := r.db.From(clientTable).Prepared(true).Where(filter).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !found {
		return nil, errors.WithStack(&dataflowerrors.ErrNotFound{Type: "client", Value: value})
	}
	id, err := parseId(row.Id)
	if err != nil {
		return nil, err
	}
	return &domain.Client{
		Id:         id,
		Name:       row.Name,
		Identifier: row.Identifier,
		SecretHash: row.SecretHash,
		SecretSalt: row.SecretSalt,
		Status:     domain.ClientStatus(row.Status),
		CreatedAt:  row.CreatedAt.UTC(),
		LastSeenAt: timePtr(row.LastSeenAt),
	}, nil
}

func (r *SqlClientRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.db.Update(clientTable).Prepared(true).
		Set(goqu.Record{"last_seen_at": at.UTC()}).
		Where(goqu.C("id").Eq(id.String())).
		Executor().ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return errors.WithStack(err)
	} else if affected == 0 {
		return errors.WithStack(&dataflowerrors.ErrNotFound{Type: "client", Value: id.String()})
	}
	return nil
}

func (r *SqlClientRepository) AddPolicy(ctx context.Context, policy *domain.ClientPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	_, err := r.db.Insert(policyTable).Prepared(true).Rows(goqu.Record{
		"id":                           policy.Id.String(),
		"client_id":                    policy.ClientId.String(),
		"max_file_size_mb":             nullableInt(policy.MaxFileSizeMb),
		"max_batch_per_day":            nullableInt(policy.MaxBatchPerDay),
		"allowed_start_hour":           nullableInt(policy.AllowedStartHour),
		"allowed_end_hour":             nullableInt(policy.AllowedEndHour),
		"require_scheduling_for_large": policy.RequireSchedulingForLarge,
		"large_threshold_mb":           nullableInt(policy.LargeThresholdMb),
		"rate_limit_per_minute":        nullableInt(policy.RateLimitPerMinute),
		"redact_payload_on_success":    nullableBool(policy.RedactPayloadOnSuccess),
		"redact_payload_on_failure":    nullableBool(policy.RedactPayloadOnFailure),
		"retention_days":               nullableInt(policy.RetentionDays),
		"created_at":                   policy.CreatedAt.UTC(),
	}).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func (r *SqlClientRepository) GetPolicies(ctx context.Context, clientId uuid.UUID) ([]*domain.ClientPolicy, error) {
	var rows []policyRow
	err := r.db.From(policyTable).Prepared(true).
		Where(goqu.C("client_id").Eq(clientId.String())).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	policies := make([]*domain.ClientPolicy, 0, len(rows))
	for _, row := range rows {
		id, err := parseId(row.Id)
		if err != nil {
			return nil, err
		}
		policies = append(policies, &domain.ClientPolicy{
			Id:                        id,
			ClientId:                  clientId,
			MaxFileSizeMb:             intPtr(row.MaxFileSizeMb),
			MaxBatchPerDay:            intPtr(row.MaxBatchPerDay),
			AllowedStartHour:          intPtr(row.AllowedStartHour),
			AllowedEndHour:            intPtr(row.AllowedEndHour),
			RequireSchedulingForLarge: row.RequireSchedulingForLarge,
			LargeThresholdMb:          intPtr(row.LargeThresholdMb),
			RateLimitPerMinute:        intPtr(row.RateLimitPerMinute),
			RedactPayloadOnSuccess:    boolPtr(row.RedactPayloadOnSuccess),
			RedactPayloadOnFailure:    boolPtr(row.RedactPayloadOnFailure),
			RetentionDays:             intPtr(row.RetentionDays),
			CreatedAt:                 row.CreatedAt.UTC(),
		})
	}
	return policies, nil
}
