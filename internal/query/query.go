// Package query assembles the SELECT statements used to read from a database
// source: single-table projections and inner joins across several tables.
package query

import (
	"fmt"
	"strings"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// JoinSpec describes how several tables are combined into one row stream.
// Conditions are raw SQL expressions passed through verbatim; Conditions[i]
// is the ON clause of JoinTables[i], and any conditions beyond the last join
// table are ANDed onto its ON clause.
type JoinSpec struct {
	BaseTable  string   `json:"base_table" yaml:"base_table"`
	JoinTables []string `json:"join_tables" yaml:"join_tables"`
	Conditions []string `json:"join_conditions" yaml:"join_conditions"`
	JoinTypes  []string `json:"join_types,omitempty" yaml:"join_types,omitempty"`
}

// Tables returns the base table followed by the join tables.
func (j *JoinSpec) Tables() []string {
	return append([]string{j.BaseTable}, j.JoinTables...)
}

// ColumnRef names a column, optionally qualified by its table.
type ColumnRef struct {
	Table string
	Name  string
}

func (c ColumnRef) String() string {
	if c.Table == "" {
		return c.Name
	}
	return c.Table + "." + c.Name
}

// ParseColumnRef splits "table.column" on its last dot. An unqualified name
// belongs to defaultTable.
func ParseColumnRef(s, defaultTable string) ColumnRef {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '.'); i > 0 && i < len(s)-1 {
		return ColumnRef{Table: s[:i], Name: s[i+1:]}
	}
	return ColumnRef{Table: defaultTable, Name: s}
}

// Select is a built statement with the output column names it yields,
// in order.
type Select struct {
	SQL     string
	Columns []string

	from    string
	dialect driver.Dialect
}

// CountSQL returns a statement counting the rows the select yields.
func (s *Select) CountSQL() string {
	return "SELECT count(*) FROM " + s.from
}

// LimitSQL returns the select capped at n rows.
func (s *Select) LimitSQL(n int) string {
	return s.dialect.LimitSQL(s.SQL, n)
}

// BuildTable returns a projection of columns from a single table.
func BuildTable(d driver.Dialect, table string, columns []string) (*Select, error) {
	const op = "build query"
	if strings.TrimSpace(table) == "" {
		return nil, xferr.Errorf(xferr.KindQueryBuild, op, "table name is empty")
	}
	if len(columns) == 0 {
		return nil, xferr.Errorf(xferr.KindQueryBuild, op, "no columns selected")
	}
	for _, c := range columns {
		if strings.TrimSpace(c) == "" {
			return nil, xferr.Errorf(xferr.KindQueryBuild, op, "empty column name")
		}
	}

	from := d.QuoteIdentifier(table)
	return &Select{
		SQL:     fmt.Sprintf("SELECT %s FROM %s", driver.QuoteColumns(d, columns), from),
		Columns: append([]string(nil), columns...),
		from:    from,
		dialect: d,
	}, nil
}

// Build returns an inner join of spec's tables projecting refs. Every
// column is qualified by its table. Output names are the bare column name,
// or "table.column" when the bare name is selected from more than one table.
func Build(d driver.Dialect, spec JoinSpec, refs []ColumnRef) (*Select, error) {
	const op = "build join"

	if err := validate(spec); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, xferr.Errorf(xferr.KindQueryBuild, op, "no columns selected")
	}

	known := make(map[string]bool, len(spec.JoinTables)+1)
	for _, t := range spec.Tables() {
		known[t] = true
	}
	nameCount := make(map[string]int, len(refs))
	seen := make(map[ColumnRef]bool, len(refs))
	for _, r := range refs {
		if r.Name == "" {
			return nil, xferr.Errorf(xferr.KindQueryBuild, op, "empty column name")
		}
		if r.Table == "" {
			r.Table = spec.BaseTable
		}
		if !known[r.Table] {
			return nil, xferr.Errorf(xferr.KindQueryBuild, op, "column %q references table %q, which is not part of the join", r.Name, r.Table)
		}
		if seen[r] {
			return nil, xferr.Errorf(xferr.KindQueryBuild, op, "column %s selected twice", r)
		}
		seen[r] = true
		nameCount[r.Name]++
	}

	exprs := make([]string, len(refs))
	outputs := make([]string, len(refs))
	for i, r := range refs {
		if r.Table == "" {
			r.Table = spec.BaseTable
		}
		out := r.Name
		if nameCount[r.Name] > 1 {
			out = r.Table + "." + r.Name
		}
		outputs[i] = out
		exprs[i] = fmt.Sprintf("%s.%s AS %s", d.QuoteIdentifier(r.Table), d.QuoteIdentifier(r.Name), d.QuoteIdentifier(out))
	}

	var from strings.Builder
	from.WriteString(d.QuoteIdentifier(spec.BaseTable))
	last := len(spec.JoinTables) - 1
	for i, t := range spec.JoinTables {
		cond := strings.TrimSpace(spec.Conditions[i])
		if i == last && len(spec.Conditions) > len(spec.JoinTables) {
			extra := make([]string, 0, len(spec.Conditions)-i)
			for _, c := range spec.Conditions[i:] {
				extra = append(extra, "("+strings.TrimSpace(c)+")")
			}
			cond = strings.Join(extra, " AND ")
		}
		fmt.Fprintf(&from, " INNER JOIN %s ON %s", d.QuoteIdentifier(t), cond)
	}

	return &Select{
		SQL:     fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), from.String()),
		Columns: outputs,
		from:    from.String(),
		dialect: d,
	}, nil
}

func validate(spec JoinSpec) error {
	const op = "build join"

	if strings.TrimSpace(spec.BaseTable) == "" {
		return xferr.Errorf(xferr.KindQueryBuild, op, "base table is empty")
	}
	if len(spec.JoinTables) == 0 {
		return xferr.Errorf(xferr.KindQueryBuild, op, "join requires at least one join table")
	}
	seen := map[string]bool{spec.BaseTable: true}
	for _, t := range spec.JoinTables {
		if strings.TrimSpace(t) == "" {
			return xferr.Errorf(xferr.KindQueryBuild, op, "join table name is empty")
		}
		if seen[t] {
			return xferr.Errorf(xferr.KindQueryBuild, op, "table %q appears more than once in the join", t)
		}
		seen[t] = true
	}
	if len(spec.Conditions) < len(spec.JoinTables) {
		return xferr.Errorf(xferr.KindQueryBuild, op, "join table %q has no join condition", spec.JoinTables[len(spec.Conditions)])
	}
	for i, c := range spec.Conditions {
		if strings.TrimSpace(c) == "" {
			return xferr.Errorf(xferr.KindQueryBuild, op, "join condition %d is empty", i+1)
		}
	}
	for i, jt := range spec.JoinTypes {
		switch strings.ToUpper(strings.TrimSpace(jt)) {
		case "", "JOIN", "INNER", "INNER JOIN":
		default:
			return xferr.Errorf(xferr.KindQueryBuild, op, "unsupported join type %q for table %d (only inner joins)", jt, i+1)
		}
	}
	return nil
}
