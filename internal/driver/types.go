package driver

import (
	"github.com/johndauphine/flatbridge/internal/typemap"
)

// Column describes one column of a table or result set.
type Column struct {
	Name        string       `json:"name"`
	DataType    string       `json:"type"`
	Kind        typemap.Kind `json:"kind"`
	Nullable    bool         `json:"nullable"`
	Table       string       `json:"table,omitempty"`
	DefaultKind string       `json:"default_type,omitempty"`
	DefaultExpr string       `json:"default_expression,omitempty"`
}

// Row is one record of native values, positionally aligned with a column list.
type Row []any

// RowIterator is a lazy, forward-only sequence of rows. Next returns io.EOF
// after the last row. Close releases the underlying cursor and is safe to
// call more than once.
type RowIterator interface {
	Columns() []Column
	Next() (Row, error)
	Close() error
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// FindColumn returns the column named name, or false.
func FindColumn(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}
