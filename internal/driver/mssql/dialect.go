package mssql

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
)

// Dialect implements driver.Dialect for SQL Server.
type Dialect struct{}

func (d *Dialect) DBType() string { return "mssql" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *Dialect) BuildDSN(cfg dbconfig.ConnectionConfig) string {
	query := url.Values{}
	query.Set("database", cfg.Database)
	if cfg.Secure {
		query.Set("encrypt", "true")
	} else {
		query.Set("encrypt", "disable")
	}
	if strings.EqualFold(cfg.SSLMode, "disable") {
		query.Set("encrypt", "disable")
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (d *Dialect) ParameterPlaceholder(n int) string {
	return "@p" + strconv.Itoa(n)
}

func (d *Dialect) ListTablesSQL() string {
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`
}

func (d *Dialect) DescribeColumnsSQL() string {
	return `SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE,
			CASE WHEN COLUMN_DEFAULT IS NULL THEN '' ELSE 'DEFAULT' END,
			COALESCE(COLUMN_DEFAULT, '')
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = @p1
		ORDER BY ORDINAL_POSITION`
}

func (d *Dialect) MapKind(kind typemap.Kind, _ bool) string {
	switch kind {
	case typemap.KindInteger:
		return "BIGINT"
	case typemap.KindFloat:
		return "FLOAT"
	case typemap.KindDecimal:
		return "DECIMAL(38,10)"
	case typemap.KindBoolean:
		return "BIT"
	case typemap.KindDate:
		return "DATE"
	case typemap.KindDateTime:
		return "DATETIME2"
	case typemap.KindUUID:
		return "UNIQUEIDENTIFIER"
	}
	return "NVARCHAR(MAX)"
}

func (d *Dialect) CreateTableSQL(table string, cols []driver.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		null := " NOT NULL"
		if c.Nullable {
			null = " NULL"
		}
		defs[i] = d.QuoteIdentifier(c.Name) + " " + d.MapKind(c.Kind, c.Nullable) + null
	}
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		strings.ReplaceAll(table, "'", "''"), d.QuoteIdentifier(table), strings.Join(defs, ", "))
}

func (d *Dialect) InsertSQL(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdentifier(table), driver.QuoteColumns(d, cols), driver.Placeholders(d, len(cols)))
}

func (d *Dialect) LimitSQL(query string, n int) string {
	return fmt.Sprintf("SELECT TOP (%d) * FROM (%s) AS preview_q", n, query)
}

// FromDriver decodes UNIQUEIDENTIFIER bytes, which SQL Server stores in
// mixed-endian order.
func (d *Dialect) FromDriver(col driver.Column, v any) any {
	if b, ok := v.([]byte); ok && col.Kind == typemap.KindUUID && len(b) == 16 {
		var id mssql.UniqueIdentifier
		if err := id.Scan(b); err == nil {
			return id.String()
		}
	}
	return v
}

// ToDriver passes values through; SQL Server converts text to its column types.
func (d *Dialect) ToDriver(col driver.Column, v any) (any, error) {
	if col.Kind == typemap.KindUUID && v != nil {
		return fmt.Sprint(v), nil
	}
	return v, nil
}
