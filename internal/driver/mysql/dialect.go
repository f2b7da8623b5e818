package mysql

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
)

// Dialect implements driver.Dialect for MySQL/MariaDB.
type Dialect struct{}

func (d *Dialect) DBType() string { return "mysql" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *Dialect) BuildDSN(cfg dbconfig.ConnectionConfig) string {
	// MySQL DSN format: user:password@tcp(host:port)/database?params
	encodedUser := url.QueryEscape(cfg.User)
	encodedPassword := url.QueryEscape(cfg.Password)

	params := url.Values{}
	params.Set("parseTime", "true")
	params.Set("charset", "utf8mb4")
	params.Set("loc", "UTC")

	switch strings.ToLower(cfg.SSLMode) {
	case "":
		if cfg.Secure {
			params.Set("tls", "true")
		} else {
			params.Set("tls", "preferred")
		}
	case "disable", "disabled", "false":
		params.Set("tls", "false")
	case "require", "required", "true", "verify-full", "verify_full", "verify-identity", "verify_identity":
		params.Set("tls", "true")
	case "verify-ca", "verify_ca":
		params.Set("tls", "skip-verify")
	default:
		params.Set("tls", "preferred")
	}

	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		encodedUser, encodedPassword, cfg.Host, cfg.Port, cfg.Database, params.Encode())
}

func (d *Dialect) ParameterPlaceholder(_ int) string {
	return "?"
}

func (d *Dialect) ListTablesSQL() string {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = DATABASE() ORDER BY table_name`
}

func (d *Dialect) DescribeColumnsSQL() string {
	return `SELECT column_name, column_type, is_nullable,
			CASE WHEN column_default IS NULL THEN '' ELSE 'DEFAULT' END,
			COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`
}

func (d *Dialect) MapKind(kind typemap.Kind, _ bool) string {
	switch kind {
	case typemap.KindInteger:
		return "BIGINT"
	case typemap.KindFloat:
		return "DOUBLE"
	case typemap.KindDecimal:
		return "DECIMAL(38,10)"
	case typemap.KindBoolean:
		return "BOOLEAN"
	case typemap.KindDate:
		return "DATE"
	case typemap.KindDateTime:
		return "DATETIME(6)"
	case typemap.KindUUID:
		return "CHAR(36)"
	}
	return "LONGTEXT"
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
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdentifier(table), strings.Join(defs, ", "))
}

func (d *Dialect) InsertSQL(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdentifier(table), driver.QuoteColumns(d, cols), driver.Placeholders(d, len(cols)))
}

func (d *Dialect) LimitSQL(query string, n int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS preview_q LIMIT %d", query, n)
}
