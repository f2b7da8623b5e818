// Package source resolves a source descriptor into a lazy row stream. The
// same path serves full transfers and previews.
package source

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/flatfile"
	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/query"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// Spec identifies where rows come from: a table, a join of tables, or a
// delimited file.
type Spec struct {
	// Connection is required for table and join sources.
	Connection *dbconfig.ConnectionConfig `json:"connection,omitempty"`

	Table string          `json:"table,omitempty"`
	Join  *query.JoinSpec `json:"join,omitempty"`

	// Columns selects and orders the projected columns. Join columns may be
	// qualified as "table.column"; unqualified names belong to the base
	// table. Empty selects every column of a table or file source.
	Columns []string `json:"columns,omitempty"`

	FilePath  string `json:"file_path,omitempty"`
	Delimiter rune   `json:"-"`

	// InferTypes guesses file column kinds from the first data rows instead
	// of treating every column as a string.
	InferTypes bool `json:"infer_types,omitempty"`
}

// IsFile reports whether s reads a delimited file.
func (s Spec) IsFile() bool { return s.FilePath != "" }

// Name returns a short label for logs and transfer records.
func (s Spec) Name() string {
	switch {
	case s.IsFile():
		return s.FilePath
	case s.Join != nil:
		return strings.Join(s.Join.Tables(), "+")
	}
	return s.Table
}

// Validate checks the structure of s without touching any resource.
func (s Spec) Validate() error {
	const op = "source"

	if s.IsFile() {
		if s.Table != "" || s.Join != nil {
			return xferr.Errorf(xferr.KindInvalid, op, "a source is either a file or a table, not both")
		}
		return checkColumns(s.Columns)
	}
	if s.Connection == nil {
		return xferr.Errorf(xferr.KindInvalid, op, "table source requires a connection")
	}
	if s.Join != nil {
		if s.Table != "" && s.Table != s.Join.BaseTable {
			return xferr.Errorf(xferr.KindInvalid, op, "table %q differs from join base table %q", s.Table, s.Join.BaseTable)
		}
		if len(s.Columns) == 0 {
			return xferr.Errorf(xferr.KindQueryBuild, op, "a join requires an explicit column selection")
		}
		return checkColumns(s.Columns)
	}
	if strings.TrimSpace(s.Table) == "" {
		return xferr.Errorf(xferr.KindInvalid, op, "no table or file given")
	}
	return checkColumns(s.Columns)
}

func checkColumns(cols []string) error {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if strings.TrimSpace(c) == "" {
			return xferr.Errorf(xferr.KindInvalid, "source", "empty column name in selection")
		}
		if seen[c] {
			return xferr.Errorf(xferr.KindInvalid, "source", "column %q selected twice", c)
		}
		seen[c] = true
	}
	return nil
}

// Options tune Open.
type Options struct {
	// Limit caps the rows the stream yields; 0 is unlimited.
	Limit int

	// Count estimates the total row count before streaming starts.
	Count bool
}

// Stream is an open source. It owns its session or file handle until Close.
type Stream struct {
	iter    driver.RowIterator
	cols    []driver.Column
	total   int64
	session *driver.Session
	limit   int
	read    int
}

// Columns returns the descriptors of the projected columns, in order.
func (s *Stream) Columns() []driver.Column { return s.cols }

// Total returns the estimated row count, or 0 when unknown.
func (s *Stream) Total() int64 { return s.total }

// Next returns the next row, or io.EOF.
func (s *Stream) Next() (driver.Row, error) {
	if s.limit > 0 && s.read >= s.limit {
		return nil, io.EOF
	}
	row, err := s.iter.Next()
	if err == nil {
		s.read++
	}
	return row, err
}

// Close releases the iterator and the session, if any.
func (s *Stream) Close() error {
	err := s.iter.Close()
	if s.session != nil {
		err = errors.Join(err, s.session.Close())
	}
	return err
}

// Open validates spec and opens its row stream. Errors before the first row
// are returned synchronously and leave no resource open.
func Open(ctx context.Context, spec Spec, opts Options) (*Stream, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.IsFile() {
		return openFile(spec, opts)
	}
	return openTable(ctx, spec, opts)
}

func openFile(spec Spec, opts Options) (*Stream, error) {
	delim := spec.Delimiter
	if delim == 0 {
		delim = ','
	}

	r, err := flatfile.OpenForRead(spec.FilePath, delim)
	if err != nil {
		return nil, err
	}
	if spec.InferTypes {
		inferred, err := flatfile.InferColumns(spec.FilePath, delim, 0)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.SetKinds(flatfile.Kinds(inferred))
	}
	if err := r.Select(spec.Columns); err != nil {
		r.Close()
		return nil, err
	}

	s := &Stream{iter: r, cols: r.Columns(), limit: opts.Limit}
	if opts.Count {
		total, err := flatfile.CountRows(spec.FilePath)
		if err != nil {
			logging.Warn("Counting rows of %s: %v", spec.FilePath, err)
		}
		s.total = capTotal(total, opts.Limit)
	}
	return s, nil
}

func openTable(ctx context.Context, spec Spec, opts Options) (_ *Stream, err error) {
	var joined *joinSelect
	if spec.Join != nil {
		if joined, err = buildJoin(spec); err != nil {
			return nil, err
		}
	}

	session, err := driver.Connect(ctx, *spec.Connection)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			session.Close()
		}
	}()

	var sel *query.Select
	var cols []driver.Column
	if joined != nil {
		sel, cols, err = resolveJoin(ctx, session, joined)
	} else {
		sel, cols, err = resolveTable(ctx, session, spec)
	}
	if err != nil {
		return nil, err
	}

	var total int64
	if opts.Count {
		n, cerr := session.Count(ctx, sel.CountSQL())
		if cerr != nil {
			logging.Warn("Counting rows of %s: %v (progress will show rows only)", spec.Name(), cerr)
		}
		total = capTotal(n, opts.Limit)
	}

	stmt := sel.SQL
	if opts.Limit > 0 {
		stmt = sel.LimitSQL(opts.Limit)
	}
	logging.Debug("Source query: %s", stmt)

	iter, err := session.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return &Stream{iter: iter, cols: cols, total: total, session: session, limit: opts.Limit}, nil
}

// resolveTable introspects a single source table and builds its
// projection. Unknown tables and columns are SchemaErrors.
func resolveTable(ctx context.Context, session *driver.Session, spec Spec) (*query.Select, []driver.Column, error) {
	described, err := session.DescribeColumns(ctx, spec.Table)
	if err != nil {
		return nil, nil, err
	}
	names := spec.Columns
	if len(names) == 0 {
		names = driver.ColumnNames(described)
	}
	cols := make([]driver.Column, len(names))
	for i, n := range names {
		c, ok := driver.FindColumn(described, n)
		if !ok {
			return nil, nil, xferr.Errorf(xferr.KindSchema, "source", "column %q not found in table %q", n, spec.Table)
		}
		cols[i] = c
	}
	sel, err := query.BuildTable(session.Dialect(), spec.Table, names)
	if err != nil {
		return nil, nil, err
	}
	return sel, cols, nil
}

type joinSelect struct {
	spec query.JoinSpec
	refs []query.ColumnRef
	sel  *query.Select
}

// buildJoin assembles a join statement from the driver's dialect alone,
// without a connection, so QueryBuildErrors come before any I/O.
func buildJoin(spec Spec) (*joinSelect, error) {
	d, err := driver.GetDialect(spec.Connection.DriverType())
	if err != nil {
		return nil, xferr.New(xferr.KindConnection, "connect", err)
	}
	join := *spec.Join
	refs := make([]query.ColumnRef, len(spec.Columns))
	for i, c := range spec.Columns {
		refs[i] = query.ParseColumnRef(c, join.BaseTable)
	}
	sel, err := query.Build(d, join, refs)
	if err != nil {
		return nil, err
	}
	return &joinSelect{spec: join, refs: refs, sel: sel}, nil
}

// resolveJoin checks every referenced column against the joined tables.
// Unknown tables and columns are SchemaErrors.
func resolveJoin(ctx context.Context, session *driver.Session, j *joinSelect) (*query.Select, []driver.Column, error) {
	described := make(map[string][]driver.Column, len(j.spec.JoinTables)+1)
	for _, t := range j.spec.Tables() {
		tc, err := session.DescribeColumns(ctx, t)
		if err != nil {
			return nil, nil, err
		}
		described[t] = tc
	}

	cols := make([]driver.Column, len(j.refs))
	for i, r := range j.refs {
		c, ok := driver.FindColumn(described[r.Table], r.Name)
		if !ok {
			return nil, nil, xferr.Errorf(xferr.KindSchema, "source", "column %q not found in table %q", r.Name, r.Table)
		}
		c.Name = j.sel.Columns[i]
		c.Table = r.Table
		cols[i] = c
	}
	return j.sel, cols, nil
}

func capTotal(total int64, limit int) int64 {
	if limit > 0 && total > int64(limit) {
		return int64(limit)
	}
	return total
}
