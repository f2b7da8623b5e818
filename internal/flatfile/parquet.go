package flatfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

type parquetWriter struct {
	path   string
	f      *os.File
	pfw    source.ParquetFile
	pw     *writer.JSONWriter
	cols   []driver.Column
	fields []string
	closed bool
}

func newParquetWriter(path string, cols []driver.Column) (*parquetWriter, error) {
	const op = "open output"

	f, err := os.Create(path)
	if err != nil {
		return nil, xferr.New(xferr.KindWrite, op, err)
	}
	fields := parquetFieldNames(cols)
	pfw := writerfile.NewWriterFile(f)
	pw, err := writer.NewJSONWriter(buildParquetSchema(cols, fields), pfw, 4)
	if err != nil {
		f.Close()
		return nil, xferr.New(xferr.KindWrite, op, fmt.Errorf("parquet schema: %w", err))
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	return &parquetWriter{path: path, f: f, pfw: pfw, pw: pw, cols: cols, fields: fields}, nil
}

func (p *parquetWriter) Path() string { return p.path }

func (p *parquetWriter) Write(ctx context.Context, rows []driver.Row) error {
	const op = "write parquet"
	if p.closed {
		return xferr.Errorf(xferr.KindWrite, op, "%s: writer is closed", p.path)
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return xferr.New(xferr.KindCancelled, op, err)
		}
		rec := make(map[string]any, len(p.cols))
		for i, c := range p.cols {
			v, err := parquetValue(c.Kind, row[i])
			if err != nil {
				return xferr.New(xferr.KindCoercion, op, fmt.Errorf("column %q: %w", c.Name, err))
			}
			rec[p.fields[i]] = v
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return xferr.New(xferr.KindWrite, op, err)
		}
		if err := p.pw.Write(string(b)); err != nil {
			return xferr.New(xferr.KindWrite, op, err)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	if err := p.pw.Flush(true); err != nil {
		return xferr.New(xferr.KindWrite, op, err)
	}
	return nil
}

func (p *parquetWriter) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	stopErr := p.pw.WriteStop()
	closeErr := p.f.Close()
	if stopErr != nil {
		return xferr.New(xferr.KindWrite, "close parquet", stopErr)
	}
	if closeErr != nil {
		return xferr.New(xferr.KindWrite, "close parquet", closeErr)
	}
	return nil
}

// parquetFieldNames maps column names to identifiers parquet-go accepts.
func parquetFieldNames(cols []driver.Column) []string {
	names := make([]string, len(cols))
	used := make(map[string]bool, len(cols))
	for i, c := range cols {
		var b strings.Builder
		for _, r := range c.Name {
			if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else {
				b.WriteByte('_')
			}
		}
		name := b.String()
		if name == "" || (name[0] >= '0' && name[0] <= '9') {
			name = "c_" + name
		}
		base := name
		for n := 2; used[name]; n++ {
			name = base + "_" + strconv.Itoa(n)
		}
		used[name] = true
		names[i] = name
	}
	return names
}

func buildParquetSchema(cols []driver.Column, fields []string) string {
	defs := make([]map[string]string, len(cols))
	for i, c := range cols {
		defs[i] = map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", fields[i], parquetPhysicalType(c.Kind)),
		}
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": defs,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetPhysicalType(kind typemap.Kind) string {
	switch kind {
	case typemap.KindInteger:
		return "type=INT64"
	case typemap.KindFloat:
		return "type=DOUBLE"
	case typemap.KindBoolean:
		return "type=BOOLEAN"
	}
	return "type=BYTE_ARRAY, convertedtype=UTF8"
}

func parquetValue(kind typemap.Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case typemap.KindInteger, typemap.KindFloat, typemap.KindBoolean:
		text, null := typemap.ToText(v)
		if null {
			return nil, nil
		}
		parsed, err := typemap.FromText(text, kind)
		if err != nil {
			return nil, err
		}
		return parsed, nil
	}
	text, null := typemap.ToText(v)
	if null {
		return nil, nil
	}
	return text, nil
}
