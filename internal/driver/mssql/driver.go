// Package mssql provides the Microsoft SQL Server driver implementation.
// It registers itself with the driver registry on import.
package mssql

import (
	"context"
	"database/sql"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for SQL Server databases.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "mssql"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlserver", "sql-server"}
}

// Defaults returns the default configuration values for SQL Server.
func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{Port: 1433}
}

// Dialect returns the SQL Server dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open returns a connection pool for cfg.
func (d *Driver) Open(_ context.Context, cfg dbconfig.ConnectionConfig) (*sql.DB, error) {
	return sql.Open("sqlserver", (&Dialect{}).BuildDSN(cfg))
}
