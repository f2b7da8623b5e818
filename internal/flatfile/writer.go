package flatfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// RowWriter is a file destination. Write appends one batch of rows and makes
// it durable before returning; Close finalizes the file.
type RowWriter interface {
	Write(ctx context.Context, rows []driver.Row) error
	Close() error
	Path() string
}

// OpenForWrite creates path (and its directory) and returns a writer for
// format. Delimited formats write the header immediately.
func OpenForWrite(path string, format Format, delim rune, cols []driver.Column) (RowWriter, error) {
	if len(cols) == 0 {
		return nil, xferr.Errorf(xferr.KindSchema, "open output", "no columns to write")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xferr.New(xferr.KindWrite, "open output", err)
		}
	}
	if format == FormatParquet {
		return newParquetWriter(path, cols)
	}
	if delim == 0 {
		delim = DelimiterFor(format)
	}
	return newDelimitedWriter(path, delim, cols)
}

type delimitedWriter struct {
	path   string
	f      *os.File
	w      *csv.Writer
	width  int
	closed bool
}

func newDelimitedWriter(path string, delim rune, cols []driver.Column) (*delimitedWriter, error) {
	const op = "open output"

	f, err := os.Create(path)
	if err != nil {
		return nil, xferr.New(xferr.KindWrite, op, err)
	}
	w := csv.NewWriter(f)
	w.Comma = delim

	if err := w.Write(driver.ColumnNames(cols)); err != nil {
		f.Close()
		return nil, xferr.New(xferr.KindWrite, op, fmt.Errorf("writing header: %w", err))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, xferr.New(xferr.KindWrite, op, fmt.Errorf("writing header: %w", err))
	}
	return &delimitedWriter{path: path, f: f, w: w, width: len(cols)}, nil
}

func (d *delimitedWriter) Path() string { return d.path }

// Write serializes each value to its canonical text; nulls become empty fields.
func (d *delimitedWriter) Write(ctx context.Context, rows []driver.Row) error {
	const op = "write file"
	if d.closed {
		return xferr.Errorf(xferr.KindWrite, op, "%s: writer is closed", d.path)
	}

	record := make([]string, d.width)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return xferr.New(xferr.KindCancelled, op, err)
		}
		if len(row) != d.width {
			return xferr.Errorf(xferr.KindWrite, op, "row has %d values, expected %d", len(row), d.width)
		}
		for i, v := range row {
			record[i], _ = typemap.ToText(v)
		}
		if err := d.w.Write(record); err != nil {
			return xferr.New(xferr.KindWrite, op, err)
		}
	}
	d.w.Flush()
	if err := d.w.Error(); err != nil {
		return xferr.New(xferr.KindWrite, op, err)
	}
	return nil
}

func (d *delimitedWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.w.Flush()
	flushErr := d.w.Error()
	if err := d.f.Close(); err != nil {
		return xferr.New(xferr.KindWrite, "close file", err)
	}
	if flushErr != nil {
		return xferr.New(xferr.KindWrite, "close file", flushErr)
	}
	return nil
}
