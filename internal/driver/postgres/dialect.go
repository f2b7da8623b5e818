package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
)

// Dialect implements driver.Dialect and driver.BulkInserter for PostgreSQL.
type Dialect struct{}

func (d *Dialect) DBType() string { return "postgres" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) BuildDSN(cfg dbconfig.ConnectionConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
		if cfg.Secure {
			sslMode = "require"
		}
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

func (d *Dialect) ParameterPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func (d *Dialect) ListTablesSQL() string {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`
}

func (d *Dialect) DescribeColumnsSQL() string {
	return `SELECT column_name, data_type, is_nullable,
			CASE WHEN column_default IS NULL THEN '' ELSE 'DEFAULT' END,
			COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`
}

func (d *Dialect) MapKind(kind typemap.Kind, _ bool) string {
	switch kind {
	case typemap.KindInteger:
		return "bigint"
	case typemap.KindFloat:
		return "double precision"
	case typemap.KindDecimal:
		return "numeric"
	case typemap.KindBoolean:
		return "boolean"
	case typemap.KindDate:
		return "date"
	case typemap.KindDateTime:
		return "timestamp"
	case typemap.KindUUID:
		return "uuid"
	}
	return "text"
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

// BulkInsert writes rows using the COPY protocol on the underlying pgx connection.
func (d *Dialect) BulkInsert(ctx context.Context, conn *sql.Conn, table string, cols []string, rows []driver.Row) (int64, error) {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = r
	}

	var n int64
	err := conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dc)
		}
		var err error
		n, err = sc.Conn().CopyFrom(ctx, pgx.Identifier{table}, cols, pgx.CopyFromRows(data))
		return err
	})
	return n, err
}
