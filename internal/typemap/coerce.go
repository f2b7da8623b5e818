package typemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
}

var dateTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

// ToText renders a native database value as canonical text. The boolean
// result reports a null; nulls render as "".
func ToText(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", true
	case string:
		return val, false
	case []byte:
		return string(val), false
	case bool:
		return strconv.FormatBool(val), false
	case int:
		return strconv.FormatInt(int64(val), 10), false
	case int8:
		return strconv.FormatInt(int64(val), 10), false
	case int16:
		return strconv.FormatInt(int64(val), 10), false
	case int32:
		return strconv.FormatInt(int64(val), 10), false
	case int64:
		return strconv.FormatInt(val, 10), false
	case uint:
		return strconv.FormatUint(uint64(val), 10), false
	case uint8:
		return strconv.FormatUint(uint64(val), 10), false
	case uint16:
		return strconv.FormatUint(uint64(val), 10), false
	case uint32:
		return strconv.FormatUint(uint64(val), 10), false
	case uint64:
		return strconv.FormatUint(val, 10), false
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), false
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), false
	case *big.Int:
		if val == nil {
			return "", true
		}
		return val.String(), false
	case time.Time:
		return formatTime(val), false
	case uuid.UUID:
		return val.String(), false
	case fmt.Stringer:
		return val.String(), false
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return "", true
		}
		return ToText(rv.Elem().Interface())
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b), false
		}
	}
	return fmt.Sprint(v), false
}

// formatTime renders UTC values without a zone. Any other offset is kept
// so the text names the same instant when parsed back.
func formatTime(t time.Time) string {
	if _, offset := t.Zone(); offset != 0 {
		if t.Nanosecond() != 0 {
			return t.Format("2006-01-02 15:04:05.999999999-07:00")
		}
		return t.Format("2006-01-02 15:04:05-07:00")
	}
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	if t.Nanosecond() != 0 {
		return t.Format("2006-01-02 15:04:05.999999999")
	}
	return t.Format("2006-01-02 15:04:05")
}

// FromText parses text into a native value of the given kind. Empty text is
// null for every kind except KindString, where it stays an empty string.
// Failures are returned as *ParseError.
func FromText(s string, kind Kind) (any, error) {
	if kind == KindString || kind == "" {
		return s, nil
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := parseText(strings.TrimSpace(s), kind)
	if err != nil {
		return nil, &ParseError{Value: s, Kind: kind, Err: err}
	}
	return v, nil
}

// ParseError reports a value that could not be converted to a kind.
type ParseError struct {
	Value string
	Kind  Kind
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot convert %q to %s: %v", truncate(e.Value, 64), e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var errBadBool = errors.New("not a boolean literal")

func parseText(s string, kind Kind) (any, error) {
	switch kind {
	case KindInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(s, "-") {
			return strconv.ParseUint(s, 10, 64)
		}
		return n, err
	case KindFloat:
		return strconv.ParseFloat(s, 64)
	case KindDecimal:
		if _, ok := new(big.Rat).SetString(s); !ok {
			return nil, fmt.Errorf("invalid decimal")
		}
		return s, nil
	case KindBoolean:
		switch strings.ToLower(s) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
		return nil, errBadBool
	case KindDate:
		return parseTime(s, dateLayouts)
	case KindDateTime:
		return parseTime(s, dateTimeLayouts)
	case KindUUID:
		return uuid.Parse(s)
	}
	return s, nil
}

func parseTime(s string, layouts []string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date/time format")
}
