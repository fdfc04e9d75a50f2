// Package mariadbtest constructs short-lived MariaDB instances for
// unit-testing the allocator's relational state.
//
// Available backends: Subprocess (local mysqld), Docker.
// The pool claim queries rely on SKIP LOCKED, so MariaDB 10.6 or newer is
// required; the Docker backend pins a suitable image.
package mariadbtest

import (
	"database/sql"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// Backend is an available MariaDB test backend.
type Backend interface {
	MySQLConfig() *mysql.Config
	DB(name string) (*sql.DB, error)
	Close(t testing.TB)
}

// Default constructs a MariaDB server/client session
// from the fastest available backend.
func Default(t testing.TB) Backend {
	if SupportsSubprocess() {
		t.Log("mariadbtest: MySQL server installed, using subprocess")
		return NewSubprocess(t)
	}
	t.Log("mariadbtest: Falling back to Docker")
	return NewDocker(t)
}

// Connect opens an sqlx client on the backend's default database with
// Go-compatible time handling.
func Connect(t testing.TB, b Backend) *sqlx.DB {
	config := b.MySQLConfig().Clone()
	config.ParseTime = true
	config.Loc = time.Local
	if config.DBName == "" {
		config.DBName = "root"
	}
	db, err := sqlx.Open("mysql", config.FormatDSN())
	require.NoError(t, err, "Connecting to MariaDB")
	return db
}
