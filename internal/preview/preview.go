// Package preview samples the first rows of a source without touching any
// destination.
package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/source"
	"github.com/johndauphine/flatbridge/internal/typemap"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

const (
	DefaultLimit = 10
	MaxLimit     = 1000
)

// Result is a bounded sample of a source.
type Result struct {
	Columns []driver.Column `json:"columns"`
	Rows    []Row           `json:"rows"`
}

// Row is one sampled row. It marshals to a JSON object whose keys follow
// column order; null values are explicit.
type Row struct {
	names  []string
	values driver.Row
}

// Values returns the row's values in column order.
func (r Row) Values() driver.Row { return r.values }

// Get returns the value of column name, and whether the column exists.
func (r Row) Get(name string) (any, bool) {
	for i, n := range r.names {
		if n == name {
			return r.values[i], true
		}
	}
	return nil, false
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range r.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(jsonValue(r.values[i]))
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func jsonValue(v any) any {
	switch v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	}
	s, _ := typemap.ToText(v)
	return s
}

// Display renders a value for terminal output. Null is shown as NULL; this
// is presentation only and never written to files.
func Display(v any) string {
	s, null := typemap.ToText(v)
	if null {
		return "NULL"
	}
	return s
}

// Preview opens spec read-only and returns at most limit rows. A limit of 0
// selects DefaultLimit. The source is closed before Preview returns.
func Preview(ctx context.Context, spec source.Spec, limit int) (*Result, error) {
	const op = "preview"

	switch {
	case limit < 0:
		return nil, xferr.Errorf(xferr.KindInvalid, op, "limit must not be negative, got %d", limit)
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	stream, err := source.Open(ctx, spec, source.Options{Limit: limit})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	cols := stream.Columns()
	names := driver.ColumnNames(cols)
	res := &Result{Columns: cols, Rows: make([]Row, 0, limit)}
	skipped := 0
	for len(res.Rows) < limit {
		if err := ctx.Err(); err != nil {
			return nil, xferr.New(xferr.KindCancelled, op, err)
		}
		row, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if xferr.Recoverable(err) {
				skipped++
				continue
			}
			return nil, err
		}
		res.Rows = append(res.Rows, Row{names: names, values: row})
	}
	if skipped > 0 {
		logging.Debug("Preview of %s skipped %d malformed rows", spec.Name(), skipped)
	}
	return res, nil
}
