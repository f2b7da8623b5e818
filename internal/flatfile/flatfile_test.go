package flatfile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readAll(t *testing.T, r *Reader) ([]driver.Row, int) {
	t.Helper()
	var rows []driver.Row
	skipped := 0
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rows, skipped
		}
		if err != nil {
			if xferr.Recoverable(err) {
				skipped++
				continue
			}
			t.Fatalf("Next: %v", err)
		}
		rows = append(rows, row)
	}
}

func TestParseDelimiter(t *testing.T) {
	tests := []struct {
		in      string
		want    rune
		wantErr bool
	}{
		{"", ',', false},
		{",", ',', false},
		{"\\t", '\t', false},
		{"\t", '\t', false},
		{"tab", '\t', false},
		{"|", '|', false},
		{"pipe", '|', false},
		{";", ';', false},
		{"::", 0, true},
		{"\"", 0, true},
		{"\n", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDelimiter(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDelimiter(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDelimiter(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatCSV, "CSV": FormatCSV, "tsv": FormatTSV, "Parquet": FormatParquet} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xlsx"); !xferr.Is(err, xferr.KindInvalid) {
		t.Errorf("ParseFormat(xlsx) error = %v, want InvalidRequest", err)
	}
}

func TestReaderHeaderAndRows(t *testing.T) {
	path := writeFile(t, "\ufeffid,name,city\n\n1,Ann,Oslo\n2,\"Bo, Jr\",\n")

	r, err := OpenForRead(path, ',')
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	defer r.Close()

	if got := r.Header(); !reflect.DeepEqual(got, []string{"id", "name", "city"}) {
		t.Errorf("Header = %v", got)
	}
	for _, c := range r.Columns() {
		if c.Kind != typemap.KindString || !c.Nullable {
			t.Errorf("column %s = %+v, want nullable string", c.Name, c)
		}
	}

	rows, skipped := readAll(t, r)
	want := []driver.Row{{"1", "Ann", "Oslo"}, {"2", "Bo, Jr", ""}}
	if !reflect.DeepEqual(rows, want) || skipped != 0 {
		t.Errorf("rows = %v (skipped %d), want %v", rows, skipped, want)
	}
}

func TestReaderSkipsMalformedRows(t *testing.T) {
	path := writeFile(t, "a,b,c,d,e\n1,2,3,4,5\n1,2,3\n6,7,8,9,10\n")

	r, err := OpenForRead(path, ',')
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var formatErr error
	var rows []driver.Row
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			formatErr = err
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) != 2 {
		t.Errorf("got %d rows, want 2", len(rows))
	}
	if !xferr.Is(formatErr, xferr.KindFormat) {
		t.Fatalf("malformed row error = %v, want FormatError", formatErr)
	}
	if !bytes.Contains([]byte(formatErr.Error()), []byte("line 3")) {
		t.Errorf("error %q should name line 3", formatErr)
	}
}

func TestReaderSelect(t *testing.T) {
	path := writeFile(t, "id\tname\tage\n1\tAnn\t30\n")

	r, err := OpenForRead(path, '\t')
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.SetKinds(map[string]typemap.Kind{"age": typemap.KindInteger})
	if err := r.Select([]string{"age", "name"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got := driver.ColumnNames(r.Columns()); !reflect.DeepEqual(got, []string{"age", "name"}) {
		t.Errorf("Columns = %v", got)
	}
	if r.Columns()[0].Kind != typemap.KindInteger {
		t.Errorf("age kind = %s, want integer", r.Columns()[0].Kind)
	}
	row, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(row, driver.Row{"30", "Ann"}) {
		t.Errorf("row = %v", row)
	}

	if err := r.Select([]string{"missing"}); !xferr.Is(err, xferr.KindSchema) {
		t.Errorf("Select(missing) error = %v, want SchemaError", err)
	}
}

func TestOpenForReadErrors(t *testing.T) {
	if _, err := OpenForRead(writeFile(t, ""), ','); !xferr.Is(err, xferr.KindFormat) {
		t.Errorf("empty file error = %v, want FormatError", err)
	}
	if _, err := OpenForRead(writeFile(t, "a,b,a\n"), ','); !xferr.Is(err, xferr.KindSchema) {
		t.Errorf("duplicate header error = %v, want SchemaError", err)
	}
	if _, err := OpenForRead(filepath.Join(t.TempDir(), "nope.csv"), ','); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	cols := []driver.Column{
		{Name: "id", Kind: typemap.KindInteger},
		{Name: "name", Kind: typemap.KindString},
		{Name: "score", Kind: typemap.KindFloat},
		{Name: "seen", Kind: typemap.KindDateTime},
	}
	seen := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	in := []driver.Row{
		{int64(1), "Ann", 9.5, seen},
		{int64(2), "semi;colon \"quoted\"", nil, nil},
		{int64(3), "multi\nline", float64(0), seen},
	}

	for _, delim := range []rune{',', '\t', ';'} {
		t.Run(string(delim), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out", "data.txt")
			w, err := OpenForWrite(path, FormatCSV, delim, cols)
			if err != nil {
				t.Fatalf("OpenForWrite: %v", err)
			}
			if err := w.Write(context.Background(), in[:2]); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := w.Write(context.Background(), in[2:]); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			r, err := OpenForRead(path, delim)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			if got := r.Header(); !reflect.DeepEqual(got, []string{"id", "name", "score", "seen"}) {
				t.Errorf("Header = %v", got)
			}
			rows, skipped := readAll(t, r)
			if skipped != 0 || len(rows) != len(in) {
				t.Fatalf("read %d rows (%d skipped), want %d", len(rows), skipped, len(in))
			}
			for i, row := range rows {
				for j, v := range row {
					got, err := typemap.FromText(v.(string), cols[j].Kind)
					if err != nil {
						t.Fatalf("row %d col %d: %v", i, j, err)
					}
					want := in[i][j]
					if wt, ok := want.(time.Time); ok {
						if gt, _ := got.(time.Time); !gt.Equal(wt) {
							t.Errorf("row %d col %d = %v, want %v", i, j, got, want)
						}
						continue
					}
					if got != want {
						t.Errorf("row %d col %d = %#v, want %#v", i, j, got, want)
					}
				}
			}
		})
	}
}

func TestWriterNullIsEmptyField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nulls.csv")
	w, err := OpenForWrite(path, FormatCSV, 0, []driver.Column{{Name: "a"}, {Name: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(context.Background(), []driver.Row{{nil, "x"}}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a,b\n,x\n" {
		t.Errorf("file = %q", data)
	}
}

func TestWriterHeaderWithoutRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.tsv")
	w, err := OpenForWrite(path, FormatTSV, 0, []driver.Column{{Name: "a"}, {Name: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a\tb\n" {
		t.Errorf("file = %q", data)
	}
}

func TestParquetWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.parquet")
	cols := []driver.Column{
		{Name: "id", Kind: typemap.KindInteger},
		{Name: "orders.total", Kind: typemap.KindFloat},
		{Name: "note", Kind: typemap.KindString},
	}
	w, err := OpenForWrite(path, FormatParquet, 0, cols)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	err = w.Write(context.Background(), []driver.Row{{int64(1), 2.5, "a"}, {"2", nil, nil}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 8 || string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Errorf("output is not a parquet file (%d bytes)", len(data))
	}
}

func TestParquetFieldNames(t *testing.T) {
	got := parquetFieldNames([]driver.Column{{Name: "orders.id"}, {Name: "orders id"}, {Name: "1st"}, {Name: ""}})
	want := []string{"orders_id", "orders_id_2", "c_1st", "c_"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parquetFieldNames = %v, want %v", got, want)
	}
}

func TestCountRows(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int64
	}{
		{"empty", "", 0},
		{"header only", "a,b\n", 0},
		{"header no newline", "a,b", 0},
		{"two rows", "a,b\n1,2\n3,4\n", 2},
		{"no trailing newline", "a,b\n1,2\n3,4", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CountRows(writeFile(t, tt.content))
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("CountRows = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInferColumns(t *testing.T) {
	path := writeFile(t, "id,price,active,created,name\n1,2.5,true,2024-01-01,Ann\n2,3,false,2024-01-02 10:00:00,Bo\nbad\n3,,yes,,Cy\n")

	cols, err := InferColumns(path, ',', 0)
	if err != nil {
		t.Fatalf("InferColumns: %v", err)
	}
	want := map[string]typemap.Kind{
		"id":      typemap.KindInteger,
		"price":   typemap.KindFloat,
		"active":  typemap.KindBoolean,
		"created": typemap.KindDateTime,
		"name":    typemap.KindString,
	}
	if got := Kinds(cols); !reflect.DeepEqual(got, want) {
		t.Errorf("InferColumns kinds = %v, want %v", got, want)
	}
}
