// Package target opens transfer destinations: delimited or parquet files,
// and database tables. Both satisfy pipeline.Sink.
package target

import (
	"context"
	"fmt"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/flatfile"
	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/typemap"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// FileSink writes batches to a file.
type FileSink struct {
	w flatfile.RowWriter
}

// OpenFile creates path and writes its header.
func OpenFile(path string, format flatfile.Format, delim rune, cols []driver.Column) (*FileSink, error) {
	w, err := flatfile.OpenForWrite(path, format, delim, cols)
	if err != nil {
		return nil, err
	}
	return &FileSink{w: w}, nil
}

// Write appends rows and flushes them to disk.
func (s *FileSink) Write(ctx context.Context, rows []driver.Row) error {
	return s.w.Write(ctx, rows)
}

// Close finalizes the file.
func (s *FileSink) Close() error { return s.w.Close() }

// Path returns the file being written.
func (s *FileSink) Path() string { return s.w.Path() }

// TableSink inserts batches into a database table, one transaction per batch.
type TableSink struct {
	session *driver.Session
	table   string
	cols    []driver.Column
	created bool
}

// TableOptions controls how OpenTable prepares the destination.
type TableOptions struct {
	// Create makes the table from the source columns when it is absent.
	Create bool
}

// OpenTable connects to cfg and prepares table to receive rows with the
// given source columns. An absent table is created when opts.Create is set
// and is otherwise a SchemaError, as is a source column the table lacks.
func OpenTable(ctx context.Context, cfg dbconfig.ConnectionConfig, table string, cols []driver.Column, opts TableOptions) (_ *TableSink, err error) {
	const op = "open table"

	if table == "" {
		return nil, xferr.Errorf(xferr.KindInvalid, op, "no target table given")
	}
	if len(cols) == 0 {
		return nil, xferr.Errorf(xferr.KindSchema, op, "no columns to write")
	}

	session, err := driver.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			session.Close()
		}
	}()

	exists, err := session.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}

	sink := &TableSink{session: session, table: table}
	if !exists {
		if !opts.Create {
			return nil, xferr.Errorf(xferr.KindSchema, op, "table %q does not exist", table)
		}
		create := make([]driver.Column, len(cols))
		for i, c := range cols {
			create[i] = driver.Column{Name: c.Name, Kind: c.Kind, Nullable: c.Nullable || c.Kind == ""}
			if create[i].Kind == "" {
				create[i].Kind = typemap.KindString
			}
		}
		if err := session.CreateTable(ctx, table, create); err != nil {
			return nil, err
		}
		logging.Info("Created table %s (%d columns)", table, len(create))
		sink.created = true
	}

	described, err := session.DescribeColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	sink.cols = make([]driver.Column, len(cols))
	for i, c := range cols {
		tc, ok := driver.FindColumn(described, c.Name)
		if !ok {
			return nil, xferr.Errorf(xferr.KindSchema, op, "table %q has no column %q", table, c.Name)
		}
		sink.cols[i] = tc
	}
	return sink, nil
}

// Columns returns the destination descriptors aligned with the source columns.
func (s *TableSink) Columns() []driver.Column { return s.cols }

// Created reports whether OpenTable created the table.
func (s *TableSink) Created() bool { return s.created }

// Table returns the destination table name.
func (s *TableSink) Table() string { return s.table }

// Coerce converts one row of source values into values for the destination
// columns. Text is parsed by the column kind; failures are CoercionErrors.
func (s *TableSink) Coerce(row driver.Row) (driver.Row, error) {
	if len(row) != len(s.cols) {
		return nil, xferr.Errorf(xferr.KindCoercion, "coerce", "row has %d values, expected %d", len(row), len(s.cols))
	}
	out := make(driver.Row, len(row))
	for i, v := range row {
		text, ok := v.(string)
		if !ok {
			out[i] = v
			continue
		}
		parsed, err := typemap.FromText(text, s.cols[i].Kind)
		if err != nil {
			return nil, xferr.New(xferr.KindCoercion, "coerce", fmt.Errorf("column %q: %w", s.cols[i].Name, err))
		}
		if parsed == nil && !s.cols[i].Nullable {
			return nil, xferr.Errorf(xferr.KindCoercion, "coerce", "column %q: empty value for non-nullable column", s.cols[i].Name)
		}
		out[i] = parsed
	}
	return s.session.ConvertRow(s.cols, out)
}

// Write inserts rows as one batch.
func (s *TableSink) Write(ctx context.Context, rows []driver.Row) error {
	_, err := s.session.InsertConverted(ctx, s.table, s.cols, rows)
	return err
}

// Close releases the session.
func (s *TableSink) Close() error { return s.session.Close() }
