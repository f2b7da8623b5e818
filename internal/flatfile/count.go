package flatfile

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// DefaultInferSample is the number of data rows InferColumns inspects.
const DefaultInferSample = 10

// CountRows estimates the number of data rows in path by counting lines and
// subtracting the header. Quoted fields spanning lines are overcounted.
func CountRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, xferr.New(xferr.KindSchema, "count rows", err)
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	var lines int64
	var last byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
			last = buf[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, xferr.New(xferr.KindSchema, "count rows", err)
		}
	}
	if last != 0 && last != '\n' {
		lines++
	}
	if lines <= 1 {
		return 0, nil
	}
	return lines - 1, nil
}

// Columns returns the header columns of path, all typed as strings.
func Columns(path string, delim rune) ([]driver.Column, error) {
	r, err := OpenForRead(path, delim)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Columns(), nil
}

// InferColumns reads up to sample data rows of path and guesses a kind for
// each column. Malformed rows are ignored. A sample of 0 uses
// DefaultInferSample.
func InferColumns(path string, delim rune, sample int) ([]driver.Column, error) {
	if sample <= 0 {
		sample = DefaultInferSample
	}
	r, err := OpenForRead(path, delim)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	cols := append([]driver.Column(nil), r.Columns()...)
	values := make([][]string, len(cols))
	for n := 0; n < sample; {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if xferr.Recoverable(err) {
				continue
			}
			return nil, err
		}
		for i, v := range row {
			values[i] = append(values[i], v.(string))
		}
		n++
	}

	for i := range cols {
		cols[i].Kind = typemap.InferKind(values[i])
		cols[i].DataType = string(cols[i].Kind)
	}
	return cols, nil
}

// Kinds returns a name-to-kind map of cols.
func Kinds(cols []driver.Column) map[string]typemap.Kind {
	m := make(map[string]typemap.Kind, len(cols))
	for _, c := range cols {
		m[c.Name] = c.Kind
	}
	return m
}
