// Package typemap classifies native database types into semantic kinds and
// coerces values between native scalars and their text representation.
package typemap

import (
	"strings"
)

// Kind is the semantic type of a column, independent of any database.
type Kind string

const (
	KindString   Kind = "string"
	KindInteger  Kind = "integer"
	KindFloat    Kind = "float"
	KindDecimal  Kind = "decimal"
	KindBoolean  Kind = "boolean"
	KindDate     Kind = "date"
	KindDateTime Kind = "datetime"
	KindUUID     Kind = "uuid"
)

// ParseKind maps a native type name (as reported by DESCRIBE or
// information_schema) to its Kind. ClickHouse wrappers such as
// Nullable(...) and LowCardinality(...) are unwrapped; nullable reports
// whether a Nullable wrapper was present. Unknown types map to KindString.
func ParseKind(native string) (kind Kind, nullable bool) {
	t := strings.TrimSpace(native)
	for {
		inner, ok := unwrap(t, "Nullable")
		if ok {
			nullable = true
			t = inner
			continue
		}
		inner, ok = unwrap(t, "LowCardinality")
		if ok {
			t = inner
			continue
		}
		break
	}

	t = strings.ToLower(t)
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	t = strings.TrimSuffix(t, " unsigned")

	switch t {
	case "int8", "int16", "int32", "int64", "int128", "int256",
		"uint8", "uint16", "uint32", "uint64", "uint128", "uint256",
		"int", "integer", "bigint", "smallint", "tinyint", "mediumint",
		"int2", "int4", "serial", "bigserial", "smallserial":
		return KindInteger, nullable
	case "float32", "float64", "float", "double", "double precision", "real", "float4", "float8":
		return KindFloat, nullable
	case "decimal", "decimal32", "decimal64", "decimal128", "decimal256",
		"numeric", "money", "smallmoney", "number":
		return KindDecimal, nullable
	case "bool", "boolean", "bit":
		return KindBoolean, nullable
	case "date", "date32":
		return KindDate, nullable
	case "datetime", "datetime64", "datetime2", "smalldatetime", "datetimeoffset",
		"timestamp", "timestamptz", "timestamp without time zone", "timestamp with time zone":
		return KindDateTime, nullable
	case "uuid", "uniqueidentifier":
		return KindUUID, nullable
	}
	return KindString, nullable
}

func unwrap(t, wrapper string) (string, bool) {
	if len(t) > len(wrapper)+1 && strings.EqualFold(t[:len(wrapper)+1], wrapper+"(") && strings.HasSuffix(t, ")") {
		return strings.TrimSpace(t[len(wrapper)+1 : len(t)-1]), true
	}
	return "", false
}

// InferKind guesses a Kind from sample text values. Empty samples are
// ignored; a column with no usable samples is a string.
func InferKind(samples []string) Kind {
	candidates := []Kind{KindInteger, KindFloat, KindBoolean, KindDateTime}
	seen := false
	for _, s := range samples {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		seen = true
		kept := candidates[:0]
		for _, k := range candidates {
			if _, err := parseText(s, k); err == nil {
				kept = append(kept, k)
			}
		}
		candidates = kept
		if len(candidates) == 0 {
			return KindString
		}
	}
	if !seen {
		return KindString
	}
	return candidates[0]
}
