package repository

import (
	"context"
	"database/sql"
	"embed"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/G-Research/dataflow/internal/common/database"
)

const (
	DialectPostgres = "postgres"
	DialectSqlite   = "sqlite3"
)

//go:embed migrations
var migrationFiles embed.FS

var (
	clientTable       = goqu.T("client")
	policyTable       = goqu.T("client_policy")
	batchTable        = goqu.T("import_batch")
	itemTable         = goqu.T("import_item")
	subscriptionTable = goqu.T("webhook_subscription")
	failureTable      = goqu.T("webhook_delivery_failure")
)

// PostgresMigrations returns the embedded postgres schema, to be applied with database.UpdateDatabase.
func PostgresMigrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations/postgres")
}

// NewSqlRepositories returns repositories backed by db. dialect is DialectPostgres or DialectSqlite.
func NewSqlRepositories(db *sql.DB, dialect string) *Repositories {
	goquDb := goqu.New(dialect, db)
	return &Repositories{
		Batches:  &SqlBatchRepository{db: goquDb},
		Items:    &SqlItemRepository{db: goquDb},
		Clients:  &SqlClientRepository{db: goquDb},
		Webhooks: &SqlWebhookRepository{db: goquDb},
	}
}

// OpenSqlite opens the sqlite database at path. All access goes through a single connection,
// which also keeps ":memory:" databases alive for the lifetime of the handle.
// Timestamps are written in a fixed-width-prefix format so that they compare correctly as text.
func OpenSqlite(path string) (*sql.DB, error) {
	dsn := path + "?_time_format=sqlite"
	if path != ":memory:" {
		dsn += "&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}

// MigrateSqlite applies every embedded sqlite migration newer than the version recorded in schema_version.
func MigrateSqlite(ctx context.Context, db *sql.DB) error {
	migrations, err := database.ReadMigrations(migrationFiles, "migrations/sqlite")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return errors.WithStack(err)
	}
	version := 0
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, m := range migrations {
		if m.Id() <= version {
			continue
		}
		if _, err := db.ExecContext(ctx, m.Statements()); err != nil {
			return errors.Wrapf(err, "migration %s failed", m.Name())
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.Id()); err != nil {
			return errors.WithStack(err)
		}
		version = m.Id()
		log.Infof("Applied sqlite migration %s", m.Name())
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseId(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	return id, errors.Wrapf(err, "invalid id %q", s)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
