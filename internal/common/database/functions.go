package database

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/config"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

func OpenPgxPool(config config.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse postgres connection config")
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}
	db, err := pgxpool.ConnectConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = db.Ping(context.Background())
	return db, errors.WithStack(err)
}

// OpenPostgres opens a database/sql handle on the lib/pq driver.
func OpenPostgres(config config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}
