package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/typemap"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// PingTimeout bounds the connectivity check in Connect.
const PingTimeout = 15 * time.Second

// PortResolver is implemented by drivers whose default port depends on
// more than the TLS flag (e.g. ClickHouse native vs HTTP).
type PortResolver interface {
	DefaultPort(cfg dbconfig.ConnectionConfig) int
}

// ValueConverter is implemented by dialects that need to adjust values
// crossing the database/sql boundary.
type ValueConverter interface {
	// FromDriver normalizes a scanned value for col.
	FromDriver(col Column, v any) any
	// ToDriver adapts v for insertion into col.
	ToDriver(col Column, v any) (any, error)
}

// Session is an open connection to one database endpoint.
// It is safe for concurrent use.
type Session struct {
	cfg     dbconfig.ConnectionConfig
	driver  Driver
	dialect Dialect
	db      *sql.DB
}

// Connect opens and verifies a connection described by cfg.
// All failures are classified as ConnectionError.
func Connect(ctx context.Context, cfg dbconfig.ConnectionConfig) (*Session, error) {
	const op = "connect"

	if err := dbconfig.CheckToken(cfg.Token, time.Now()); err != nil {
		return nil, xferr.New(xferr.KindConnection, op, err)
	}

	d, err := Get(cfg.DriverType())
	if err != nil {
		return nil, xferr.New(xferr.KindConnection, op, err)
	}
	cfg = cfg.WithDefaultPort(defaultPort(d, cfg))

	db, err := d.Open(ctx, cfg)
	if err != nil {
		return nil, xferr.New(xferr.KindConnection, op, fmt.Errorf("opening %s: %w", cfg, err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, xferr.New(xferr.KindConnection, op, fmt.Errorf("connecting to %s: %w", cfg, err))
	}

	logging.Debug("Connected to %s", cfg)
	return &Session{cfg: cfg, driver: d, dialect: d.Dialect(), db: db}, nil
}

func defaultPort(d Driver, cfg dbconfig.ConnectionConfig) int {
	if r, ok := d.(PortResolver); ok {
		return r.DefaultPort(cfg)
	}
	def := d.Defaults()
	if cfg.Secure && def.SecurePort != 0 {
		return def.SecurePort
	}
	return def.Port
}

// Config returns the resolved connection settings.
func (s *Session) Config() dbconfig.ConnectionConfig { return s.cfg }

// Dialect returns the session's SQL dialect.
func (s *Session) Dialect() Dialect { return s.dialect }

// DB returns the underlying connection pool.
func (s *Session) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Session) Close() error {
	return s.db.Close()
}

// ListTables returns the table names of the connected database.
func (s *Session) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.ListTablesSQL())
	if err != nil {
		return nil, xferr.New(xferr.KindConnection, "list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, xferr.New(xferr.KindConnection, "list tables", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, xferr.New(xferr.KindConnection, "list tables", err)
	}
	return tables, nil
}

// DescribeColumns returns the columns of table in definition order.
// An unknown table is a SchemaError.
func (s *Session) DescribeColumns(ctx context.Context, table string) ([]Column, error) {
	const op = "describe"

	cols, err := s.describe(ctx, table)
	if err != nil {
		return nil, xferr.New(xferr.KindSchema, op, fmt.Errorf("table %q: %w", table, err))
	}
	if len(cols) == 0 {
		return nil, xferr.Errorf(xferr.KindSchema, op, "table %q does not exist", table)
	}
	return cols, nil
}

// TableExists reports whether table exists and has columns.
func (s *Session) TableExists(ctx context.Context, table string) (bool, error) {
	cols, err := s.describe(ctx, table)
	if err != nil {
		return false, xferr.New(xferr.KindSchema, "table exists", err)
	}
	return len(cols) > 0, nil
}

func (s *Session) describe(ctx context.Context, table string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.DescribeColumnsSQL(), table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var name, dataType, nullable, defKind, defExpr sql.NullString
		if err := rows.Scan(&name, &dataType, &nullable, &defKind, &defExpr); err != nil {
			return nil, err
		}
		kind, wrapped := typemap.ParseKind(dataType.String)
		col := Column{
			Name:        name.String,
			DataType:    dataType.String,
			Kind:        kind,
			Nullable:    wrapped,
			Table:       table,
			DefaultKind: defKind.String,
			DefaultExpr: defExpr.String,
		}
		if strings.EqualFold(nullable.String, "YES") {
			col.Nullable = true
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// CreateTable creates table with cols if it does not already exist.
func (s *Session) CreateTable(ctx context.Context, table string, cols []Column) error {
	if len(cols) == 0 {
		return xferr.Errorf(xferr.KindSchema, "create table", "table %q: no columns", table)
	}
	ddl := s.dialect.CreateTableSQL(table, cols)
	logging.Debug("Creating table %s: %s", table, ddl)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return xferr.New(xferr.KindSchema, "create table", fmt.Errorf("table %q: %w", table, err))
	}
	return nil
}

// Execute runs a statement that returns no rows and reports how many rows
// it affected. Drivers that do not track the count report 0.
func (s *Session) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, xferr.New(xferr.KindWrite, "execute", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Count runs a query returning a single integer.
func (s *Session) Count(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, xferr.New(xferr.KindQueryBuild, "count", err)
	}
	return n, nil
}

// Query starts query and returns a lazy iterator over its rows. Rows are
// fetched from the server as the iterator advances.
func (s *Session) Query(ctx context.Context, query string, args ...any) (RowIterator, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xferr.New(xferr.KindQueryBuild, "query", err)
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, xferr.New(xferr.KindQueryBuild, "query", err)
	}
	cols := make([]Column, len(types))
	for i, ct := range types {
		kind, wrapped := typemap.ParseKind(ct.DatabaseTypeName())
		nullable, ok := ct.Nullable()
		cols[i] = Column{
			Name:     ct.Name(),
			DataType: ct.DatabaseTypeName(),
			Kind:     kind,
			Nullable: wrapped || (ok && nullable),
		}
	}

	it := &rowsIterator{rows: rows, cols: cols}
	it.conv, _ = s.dialect.(ValueConverter)
	return it, nil
}

type rowsIterator struct {
	rows   *sql.Rows
	cols   []Column
	conv   ValueConverter
	closed bool
}

func (it *rowsIterator) Columns() []Column { return it.cols }

func (it *rowsIterator) Next() (Row, error) {
	if it.closed {
		return nil, io.EOF
	}
	if !it.rows.Next() {
		err := it.rows.Err()
		it.Close()
		if err != nil {
			return nil, xferr.New(xferr.KindConnection, "read rows", err)
		}
		return nil, io.EOF
	}

	values := make([]any, len(it.cols))
	ptrs := make([]any, len(it.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		return nil, xferr.New(xferr.KindConnection, "read rows", err)
	}

	row := make(Row, len(values))
	for i, v := range values {
		if it.conv != nil {
			v = it.conv.FromDriver(it.cols[i], v)
		}
		row[i] = normalize(it.cols[i], v)
	}
	return row, nil
}

func (it *rowsIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.rows.Close()
}

func normalize(col Column, v any) any {
	switch val := v.(type) {
	case []byte:
		if col.Kind == typemap.KindUUID && len(val) == 16 {
			if id, err := uuid.FromBytes(val); err == nil {
				return id
			}
		}
		return string(val)
	case [16]byte:
		if col.Kind == typemap.KindUUID {
			return uuid.UUID(val)
		}
	}
	return v
}

// ConvertRow applies the dialect's value conversion to one row bound for
// cols. Rows for dialects without a converter are returned unchanged.
func (s *Session) ConvertRow(cols []Column, row Row) (Row, error) {
	conv, ok := s.dialect.(ValueConverter)
	if !ok {
		return row, nil
	}
	out := make(Row, len(row))
	for i, v := range row {
		cv, err := conv.ToDriver(cols[i], v)
		if err != nil {
			return nil, xferr.New(xferr.KindCoercion, "convert", fmt.Errorf("column %q: %w", cols[i].Name, err))
		}
		out[i] = cv
	}
	return out, nil
}

// Insert writes rows into table as one batch. The batch is applied
// atomically where the database supports transactions. Values are
// positionally aligned with cols.
func (s *Session) Insert(ctx context.Context, table string, cols []Column, rows []Row) (int64, error) {
	converted := make([]Row, len(rows))
	for r, row := range rows {
		out, err := s.ConvertRow(cols, row)
		if err != nil {
			return 0, err
		}
		converted[r] = out
	}
	return s.InsertConverted(ctx, table, cols, converted)
}

// InsertConverted is Insert for rows that already went through ConvertRow.
func (s *Session) InsertConverted(ctx context.Context, table string, cols []Column, rows []Row) (int64, error) {
	const op = "insert"
	if len(rows) == 0 {
		return 0, nil
	}
	names := ColumnNames(cols)

	if bulk, ok := s.dialect.(BulkInserter); ok {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return 0, xferr.New(xferr.KindWrite, op, err)
		}
		defer conn.Close()
		n, err := bulk.BulkInsert(ctx, conn, table, names, rows)
		if err != nil {
			return 0, xferr.New(xferr.KindWrite, op, fmt.Errorf("table %q: %w", table, err))
		}
		return n, nil
	}

	n, err := s.insertTx(ctx, table, names, rows)
	if err != nil {
		return 0, xferr.New(xferr.KindWrite, op, fmt.Errorf("table %q: %w", table, err))
	}
	return n, nil
}

func (s *Session) insertTx(ctx context.Context, table string, cols []string, rows []Row) (n int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Warn("Rollback failed: %v", rbErr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.dialect.InsertSQL(table, cols))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err = stmt.ExecContext(ctx, row...); err != nil {
			return 0, err
		}
		n++
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
