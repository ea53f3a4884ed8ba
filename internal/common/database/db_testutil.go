package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/util"
)

const testConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// WithTestDb spins up a dedicated Postgres database for testing
//
//	migrations: perform the list of migrations before entering the action callback
//	action: callback for client code; connectionString addresses the dedicated database
//
// The database is dropped once action returns.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool, connectionString string) error) error {
	ctx := context.Background()

	// Connect and create a dedicated database for the test
	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, testConnectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created. This is the database we use for tests
	connectionString := testConnectionString + " dbname=" + dbName
	testDbPool, err := pgxpool.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all db users before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	err = UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool, connectionString)
}

// PostgresAvailable reports whether the local test server can be reached, so postgres-only tests can skip.
func PostgresAvailable() bool {
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, testConnectionString)
	if err != nil {
		return false
	}
	_ = conn.Close(ctx)
	return true
}
