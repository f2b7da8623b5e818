package flatfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// Reader streams the rows of a delimited file. The first non-empty line is
// the header; every column is a nullable string unless SetKinds is called.
// Values are returned as text. Reader implements driver.RowIterator.
type Reader struct {
	path   string
	f      *os.File
	r      *csv.Reader
	header []string
	cols   []driver.Column
	index  []int
	closed bool
}

// OpenForRead opens path and consumes its header line.
func OpenForRead(path string, delim rune) (*Reader, error) {
	const op = "open file"

	f, err := os.Open(path)
	if err != nil {
		return nil, xferr.New(xferr.KindSchema, op, err)
	}

	r := csv.NewReader(f)
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, xferr.Errorf(xferr.KindFormat, op, "%s: file is empty, expected a header line", path)
		}
		return nil, xferr.New(xferr.KindFormat, op, fmt.Errorf("%s: reading header: %w", path, err))
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	seen := make(map[string]bool, len(header))
	cols := make([]driver.Column, len(header))
	index := make([]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if seen[name] {
			f.Close()
			return nil, xferr.Errorf(xferr.KindSchema, op, "%s: duplicate column %q in header", path, name)
		}
		seen[name] = true
		header[i] = name
		cols[i] = driver.Column{Name: name, DataType: "String", Kind: typemap.KindString, Nullable: true}
		index[i] = i
	}

	return &Reader{path: path, f: f, r: r, header: header, cols: cols, index: index}, nil
}

// Header returns every column name of the file, in file order.
func (r *Reader) Header() []string { return r.header }

// Columns returns the columns Next yields.
func (r *Reader) Columns() []driver.Column { return r.cols }

// SetKinds assigns kinds to header columns by name. Unknown names are ignored.
func (r *Reader) SetKinds(kinds map[string]typemap.Kind) {
	for i := range r.cols {
		if k, ok := kinds[r.cols[i].Name]; ok {
			r.cols[i].Kind = k
			r.cols[i].DataType = string(k)
		}
	}
}

// Select restricts and reorders the columns Next yields. An unknown column
// is a SchemaError.
func (r *Reader) Select(names []string) error {
	if len(names) == 0 {
		return nil
	}
	pos := make(map[string]int, len(r.header))
	for i, h := range r.header {
		pos[h] = i
	}

	byName := make(map[string]driver.Column, len(r.cols))
	for _, c := range r.cols {
		byName[c.Name] = c
	}

	index := make([]int, len(names))
	cols := make([]driver.Column, len(names))
	for i, n := range names {
		p, ok := pos[n]
		if !ok {
			return xferr.Errorf(xferr.KindSchema, "select columns", "column %q not found in %s (have %s)", n, r.path, strings.Join(r.header, ", "))
		}
		index[i] = p
		c, ok := byName[n]
		if !ok {
			c = driver.Column{Name: n, DataType: "String", Kind: typemap.KindString, Nullable: true}
		}
		cols[i] = c
	}
	r.index = index
	r.cols = cols
	return nil
}

// Next returns the next data row. A line whose field count differs from the
// header, or which cannot be parsed, is a recoverable FormatError; the
// caller may call Next again to continue with the following line.
func (r *Reader) Next() (driver.Row, error) {
	if r.closed {
		return nil, io.EOF
	}

	record, err := r.r.Read()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, xferr.New(xferr.KindFormat, "read row", fmt.Errorf("line %d: %w", pe.StartLine, pe.Err))
		}
		return nil, xferr.New(xferr.KindConnection, "read row", err)
	}
	if len(record) != len(r.header) {
		line, _ := r.r.FieldPos(0)
		return nil, xferr.Errorf(xferr.KindFormat, "read row", "line %d: expected %d fields, got %d", line, len(r.header), len(record))
	}

	row := make(driver.Row, len(r.index))
	for i, p := range r.index {
		row[i] = record[p]
	}
	return row, nil
}

// Close releases the file. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
