package clickhouse

import (
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
)

// Dialect implements driver.Dialect for ClickHouse.
type Dialect struct{}

func (d *Dialect) DBType() string { return "clickhouse" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

func (d *Dialect) BuildDSN(cfg dbconfig.ConnectionConfig) string {
	scheme := "clickhouse"
	if useHTTP(cfg) {
		scheme = "http"
		if cfg.Secure {
			scheme = "https"
		}
	}
	u := url.URL{
		Scheme: scheme,
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" && bearer(cfg.Token) == "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	if cfg.Secure && scheme == "clickhouse" {
		u.RawQuery = url.Values{"secure": {"true"}}.Encode()
	}
	return u.String()
}

func (d *Dialect) ParameterPlaceholder(_ int) string {
	return "?"
}

func (d *Dialect) ListTablesSQL() string {
	return "SHOW TABLES"
}

func (d *Dialect) DescribeColumnsSQL() string {
	return `SELECT name, type, '', default_kind, default_expression
		FROM system.columns
		WHERE database = currentDatabase() AND table = ?
		ORDER BY position`
}

func (d *Dialect) MapKind(kind typemap.Kind, nullable bool) string {
	var t string
	switch kind {
	case typemap.KindInteger:
		t = "Int64"
	case typemap.KindFloat:
		t = "Float64"
	case typemap.KindDecimal:
		t = "Decimal(38, 10)"
	case typemap.KindBoolean:
		t = "Bool"
	case typemap.KindDate:
		t = "Date"
	case typemap.KindDateTime:
		t = "DateTime"
	case typemap.KindUUID:
		t = "UUID"
	default:
		t = "String"
	}
	if nullable {
		return "Nullable(" + t + ")"
	}
	return t
}

func (d *Dialect) CreateTableSQL(table string, cols []driver.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = d.QuoteIdentifier(c.Name) + " " + d.MapKind(c.Kind, c.Nullable)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree() ORDER BY tuple()",
		d.QuoteIdentifier(table), strings.Join(defs, ", "))
}

// InsertSQL returns a batch insert prefix; clickhouse-go binds one row per Exec.
func (d *Dialect) InsertSQL(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", d.QuoteIdentifier(table), driver.QuoteColumns(d, cols))
}

func (d *Dialect) LimitSQL(query string, n int) string {
	return fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", query, n)
}

// FromDriver dereferences the pointers clickhouse-go returns for Nullable columns.
func (d *Dialect) FromDriver(_ driver.Column, v any) any {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

// ToDriver narrows values to the exact Go type clickhouse-go expects for
// the column's native type.
func (d *Dialect) ToDriver(col driver.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	base := baseType(col.DataType)
	switch x := v.(type) {
	case int64:
		return narrowInt(base, x)
	case float64:
		if base == "Float32" {
			return float32(x), nil
		}
	case string:
		if col.Kind == typemap.KindDecimal {
			return decimal.NewFromString(x)
		}
	}
	return v, nil
}

func baseType(native string) string {
	t := strings.TrimSpace(native)
	for _, wrapper := range []string{"Nullable(", "LowCardinality("} {
		if strings.HasPrefix(t, wrapper) && strings.HasSuffix(t, ")") {
			t = strings.TrimSpace(t[len(wrapper) : len(t)-1])
		}
	}
	if strings.HasPrefix(t, "Nullable(") && strings.HasSuffix(t, ")") {
		t = t[len("Nullable(") : len(t)-1]
	}
	return t
}

func narrowInt(base string, x int64) (any, error) {
	outOfRange := func() error {
		return fmt.Errorf("value %d out of range for %s", x, base)
	}
	switch base {
	case "Int8":
		if x < math.MinInt8 || x > math.MaxInt8 {
			return nil, outOfRange()
		}
		return int8(x), nil
	case "Int16":
		if x < math.MinInt16 || x > math.MaxInt16 {
			return nil, outOfRange()
		}
		return int16(x), nil
	case "Int32":
		if x < math.MinInt32 || x > math.MaxInt32 {
			return nil, outOfRange()
		}
		return int32(x), nil
	case "UInt8", "Bool":
		if x < 0 || x > math.MaxUint8 {
			return nil, outOfRange()
		}
		return uint8(x), nil
	case "UInt16":
		if x < 0 || x > math.MaxUint16 {
			return nil, outOfRange()
		}
		return uint16(x), nil
	case "UInt32":
		if x < 0 || x > math.MaxUint32 {
			return nil, outOfRange()
		}
		return uint32(x), nil
	case "UInt64":
		if x < 0 {
			return nil, outOfRange()
		}
		return uint64(x), nil
	}
	return x, nil
}
