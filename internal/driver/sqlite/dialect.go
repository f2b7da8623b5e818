package sqlite

import (
	"fmt"
	"strings"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
)

// Dialect implements driver.Dialect for SQLite.
type Dialect struct{}

func (d *Dialect) DBType() string { return "sqlite" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) BuildDSN(cfg dbconfig.ConnectionConfig) string {
	path := cfg.Database
	if path == "" {
		path = ":memory:"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (d *Dialect) ParameterPlaceholder(_ int) string {
	return "?"
}

func (d *Dialect) ListTablesSQL() string {
	return `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`
}

func (d *Dialect) DescribeColumnsSQL() string {
	return `SELECT name, type,
			CASE WHEN "notnull" = 1 THEN 'NO' ELSE 'YES' END,
			CASE WHEN dflt_value IS NULL THEN '' ELSE 'DEFAULT' END,
			COALESCE(dflt_value, '')
		FROM pragma_table_info(?)
		ORDER BY cid`
}

func (d *Dialect) MapKind(kind typemap.Kind, _ bool) string {
	switch kind {
	case typemap.KindInteger:
		return "INTEGER"
	case typemap.KindFloat:
		return "REAL"
	case typemap.KindDecimal:
		return "DECIMAL"
	case typemap.KindBoolean:
		return "BOOLEAN"
	case typemap.KindDate:
		return "DATE"
	case typemap.KindDateTime:
		return "DATETIME"
	case typemap.KindUUID:
		return "UUID"
	}
	return "TEXT"
}

func (d *Dialect) CreateTableSQL(table string, cols []driver.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = d.QuoteIdentifier(c.Name) + " " + d.MapKind(c.Kind, c.Nullable)
		if !c.Nullable {
			defs[i] += " NOT NULL"
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdentifier(table), strings.Join(defs, ", "))
}

func (d *Dialect) InsertSQL(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdentifier(table), driver.QuoteColumns(d, cols), driver.Placeholders(d, len(cols)))
}

func (d *Dialect) LimitSQL(query string, n int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS preview_q LIMIT %d", query, n)
}

// FromDriver restores booleans, which SQLite stores as integers.
func (d *Dialect) FromDriver(col driver.Column, v any) any {
	if col.Kind == typemap.KindBoolean {
		if n, ok := v.(int64); ok {
			return n != 0
		}
	}
	return v
}

// ToDriver stores UUIDs as their canonical text.
func (d *Dialect) ToDriver(col driver.Column, v any) (any, error) {
	if col.Kind == typemap.KindUUID && v != nil {
		if s, ok := v.(fmt.Stringer); ok {
			return s.String(), nil
		}
	}
	return v, nil
}
