// Package driver provides pluggable database driver abstractions.
// Each database (ClickHouse, PostgreSQL, MySQL, etc.) implements the Driver
// interface to provide its connection and SQL dialect in one unit.
package driver

import (
	"context"
	"database/sql"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/typemap"
)

// DriverDefaults contains default values for a database driver.
type DriverDefaults struct {
	// Port is the default port (e.g., 9000 for ClickHouse native, 5432 for PostgreSQL).
	Port int

	// SecurePort is used instead of Port when TLS is requested (0 means same as Port).
	SecurePort int
}

// Driver represents a pluggable database driver.
//
// To add a new database:
// 1. Create a package under internal/driver/<dbname>/
// 2. Implement the Driver interface
// 3. Register via init(): driver.Register(&MyDriver{})
type Driver interface {
	// Name returns the primary driver name (e.g., "clickhouse", "postgres").
	Name() string

	// Aliases returns alternative names for this driver.
	Aliases() []string

	// Defaults returns the default configuration values for this driver.
	Defaults() DriverDefaults

	// Dialect returns the SQL dialect for this database.
	Dialect() Dialect

	// Open returns a connection pool for cfg. It does not verify the
	// endpoint; Connect pings after Open.
	Open(ctx context.Context, cfg dbconfig.ConnectionConfig) (*sql.DB, error)
}

// Dialect renders the database-specific SQL the engine needs.
type Dialect interface {
	// DBType returns the driver name this dialect belongs to.
	DBType() string

	// QuoteIdentifier quotes a table or column name.
	QuoteIdentifier(name string) string

	// BuildDSN renders a driver connection string.
	BuildDSN(cfg dbconfig.ConnectionConfig) string

	// ParameterPlaceholder returns the bind marker for the n-th (1-based) argument.
	ParameterPlaceholder(n int) string

	// ListTablesSQL returns a query yielding one table name per row.
	ListTablesSQL() string

	// DescribeColumnsSQL returns a query taking the table name as its only
	// argument and yielding name, type, nullable ('YES'/'NO'/''),
	// default kind and default expression per column, in table order.
	DescribeColumnsSQL() string

	// MapKind returns the native type used to create a column of kind.
	MapKind(kind typemap.Kind, nullable bool) string

	// CreateTableSQL returns DDL creating table if it does not exist.
	CreateTableSQL(table string, cols []Column) string

	// InsertSQL returns a single-row insert statement for cols.
	InsertSQL(table string, cols []string) string

	// LimitSQL wraps query so that it yields at most n rows.
	LimitSQL(query string, n int) string
}

// BulkInserter is implemented by dialects with a faster path than
// row-at-a-time prepared inserts.
type BulkInserter interface {
	BulkInsert(ctx context.Context, conn *sql.Conn, table string, cols []string, rows []Row) (int64, error)
}
