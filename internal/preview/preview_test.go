package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/johndauphine/flatbridge/internal/query"
	"github.com/johndauphine/flatbridge/internal/source"
	"github.com/johndauphine/flatbridge/internal/testdb"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

func TestPreviewTableLimits(t *testing.T) {
	cfg := testdb.New(t)
	testdb.SeedOrders(t, cfg, 50)

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"default", 0, DefaultLimit},
		{"explicit", 10, 10},
		{"larger than source", 500, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Preview(context.Background(), source.Spec{Connection: &cfg, Table: "orders", Columns: []string{"id", "note"}}, tt.limit)
			if err != nil {
				t.Fatalf("Preview: %v", err)
			}
			if len(res.Rows) != tt.want {
				t.Errorf("got %d rows, want %d", len(res.Rows), tt.want)
			}
			if len(res.Columns) != 2 {
				t.Errorf("got %d columns, want 2", len(res.Columns))
			}
		})
	}

	// Preview never writes: the database still holds exactly the seeded tables.
	if n := testdb.Count(t, cfg, "orders"); n != 50 {
		t.Errorf("orders has %d rows after preview", n)
	}
}

func TestPreviewNegativeLimit(t *testing.T) {
	_, err := Preview(context.Background(), source.Spec{FilePath: "x.csv"}, -1)
	if !xferr.Is(err, xferr.KindInvalid) {
		t.Errorf("Preview(-1) error = %v, want InvalidRequest", err)
	}
}

func TestPreviewJoinJSON(t *testing.T) {
	cfg := testdb.New(t)
	testdb.SeedOrders(t, cfg, 4)

	spec := source.Spec{
		Connection: &cfg,
		Join: &query.JoinSpec{
			BaseTable:  "orders",
			JoinTables: []string{"customers"},
			Conditions: []string{"orders.customer_id = customers.id"},
		},
		Columns: []string{"orders.id", "customers.name", "orders.note"},
	}
	res, err := Preview(context.Background(), spec, 2)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(res.Rows))
	}

	// Order rows are not guaranteed by the join; check shape and nulls.
	for _, r := range res.Rows {
		data, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		var keys []string
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.Token()
		for dec.More() {
			tok, _ := dec.Token()
			keys = append(keys, tok.(string))
			var skip any
			dec.Decode(&skip)
		}
		if len(keys) != 3 || keys[0] != "id" || keys[1] != "name" || keys[2] != "note" {
			t.Errorf("keys = %v (%s)", keys, data)
		}

		id, _ := r.Get("id")
		note, ok := r.Get("note")
		if !ok {
			t.Fatal("note column missing")
		}
		if id.(int64)%2 == 0 && note != nil {
			t.Errorf("even order %v has note %v, want null", id, note)
		}
	}
}

func TestPreviewFileSkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.csv")
	os.WriteFile(path, []byte("a,b\n1,2\nbad\n3,4\n5,6\n"), 0o644)

	res, err := Preview(context.Background(), source.Spec{FilePath: path}, 2)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(res.Rows))
	}
	if v, _ := res.Rows[1].Get("a"); v != "3" {
		t.Errorf("second row a = %v, want 3", v)
	}

	data, _ := json.Marshal(res)
	want := `{"columns":[{"name":"a","type":"String","kind":"string","nullable":true},{"name":"b","type":"String","kind":"string","nullable":true}],"rows":[{"a":"1","b":"2"},{"a":"3","b":"4"}]}`
	if string(data) != want {
		t.Errorf("json = %s\nwant  %s", data, want)
	}
}

func TestPreviewMissingTable(t *testing.T) {
	cfg := testdb.New(t)
	_, err := Preview(context.Background(), source.Spec{Connection: &cfg, Table: "nope"}, 5)
	if !xferr.Is(err, xferr.KindSchema) {
		t.Errorf("error = %v, want SchemaError", err)
	}
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "NULL"},
		{"", ""},
		{int64(7), "7"},
		{1.25, "1.25"},
		{true, "true"},
		{time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), "2024-05-06"},
	}
	for _, tt := range tests {
		if got := Display(tt.in); got != tt.want {
			t.Errorf("Display(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
