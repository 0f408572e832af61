// Package database opens the gateway's relational store and papers over
// the placeholder difference between sqlite and postgres, so the stores
// can write one query text.
package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps sql.DB with the driver it was opened for.
type DB struct {
	*sql.DB
	driver string
}

// Open connects with the named driver. sqlite connections are capped to
// a single writer; the stores rely on that.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}
	sqldb, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		sqldb.SetMaxOpenConns(1)
	}
	return &DB{DB: sqldb, driver: driver}, nil
}

// Wrap adopts an already-open connection, used by tests that inject a
// mock.
func Wrap(sqldb *sql.DB, driver string) *DB {
	return &DB{DB: sqldb, driver: driver}
}

// Driver returns the driver name the connection was opened with.
func (d *DB) Driver() string { return d.driver }

// Rebind rewrites "?" placeholders to "$1..$n" for postgres. Queries are
// written in sqlite style; postgres is the translation target.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
