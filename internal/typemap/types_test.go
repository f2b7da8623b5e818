package typemap

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		native       string
		wantKind     Kind
		wantNullable bool
	}{
		{"Int64", KindInteger, false},
		{"UInt8", KindInteger, false},
		{"Nullable(Int32)", KindInteger, true},
		{"LowCardinality(Nullable(String))", KindString, true},
		{"Float64", KindFloat, false},
		{"double precision", KindFloat, false},
		{"Decimal(18, 4)", KindDecimal, false},
		{"numeric(10,2)", KindDecimal, false},
		{"Bool", KindBoolean, false},
		{"Date", KindDate, false},
		{"DateTime64(3, 'UTC')", KindDateTime, false},
		{"timestamp without time zone", KindDateTime, false},
		{"UUID", KindUUID, false},
		{"uniqueidentifier", KindUUID, false},
		{"int unsigned", KindInteger, false},
		{"varchar(255)", KindString, false},
		{"Array(String)", KindString, false},
		{"", KindString, false},
	}

	for _, tt := range tests {
		t.Run(tt.native, func(t *testing.T) {
			kind, nullable := ParseKind(tt.native)
			if kind != tt.wantKind || nullable != tt.wantNullable {
				t.Errorf("ParseKind(%q) = (%s, %v), want (%s, %v)", tt.native, kind, nullable, tt.wantKind, tt.wantNullable)
			}
		})
	}
}

func TestToText(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	s := "ptr"
	var nilPtr *string

	tests := []struct {
		name     string
		in       any
		want     string
		wantNull bool
	}{
		{"nil", nil, "", true},
		{"string", "Ann", "Ann", false},
		{"empty string", "", "", false},
		{"bytes", []byte("raw"), "raw", false},
		{"int64", int64(-42), "-42", false},
		{"uint8", uint8(7), "7", false},
		{"float64", 3.25, "3.25", false},
		{"float64 whole", float64(10), "10", false},
		{"bool", true, "true", false},
		{"date", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), "2024-01-05", false},
		{"datetime", time.Date(2024, 1, 5, 13, 4, 5, 0, time.UTC), "2024-01-05 13:04:05", false},
		{"datetime frac", time.Date(2024, 1, 5, 13, 4, 5, 500000000, time.UTC), "2024-01-05 13:04:05.5", false},
		{"datetime offset", time.Date(2024, 6, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600)), "2024-06-01 10:00:00+02:00", false},
		{"datetime offset frac", time.Date(2024, 6, 1, 0, 0, 0, 250000000, time.FixedZone("EST", -5*3600)), "2024-06-01 00:00:00.25-05:00", false},
		{"uint64 max", uint64(18446744073709551615), "18446744073709551615", false},
		{"uuid", id, id.String(), false},
		{"pointer", &s, "ptr", false},
		{"nil pointer", nilPtr, "", true},
		{"slice", []string{"a", "b"}, `["a","b"]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, null := ToText(tt.in)
			if got != tt.want || null != tt.wantNull {
				t.Errorf("ToText(%v) = (%q, %v), want (%q, %v)", tt.in, got, null, tt.want, tt.wantNull)
			}
		})
	}
}

func TestFromText(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		kind    Kind
		want    any
		wantErr bool
	}{
		{"string kept", "  x ", KindString, "  x ", false},
		{"empty string", "", KindString, "", false},
		{"integer", "42", KindInteger, int64(42), false},
		{"integer padded", " 42 ", KindInteger, int64(42), false},
		{"integer empty is null", "", KindInteger, nil, false},
		{"integer bad", "4x2", KindInteger, nil, true},
		{"integer above int64", "18446744073709551615", KindInteger, uint64(18446744073709551615), false},
		{"integer below int64", "-9223372036854775809", KindInteger, nil, true},
		{"float", "2.5", KindFloat, 2.5, false},
		{"decimal", "10.125", KindDecimal, "10.125", false},
		{"decimal bad", "ten", KindDecimal, nil, true},
		{"bool yes", "yes", KindBoolean, true, false},
		{"bool F", "F", KindBoolean, false, false},
		{"bool bad", "maybe", KindBoolean, nil, true},
		{"date", "2024-02-29", KindDate, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), false},
		{"datetime", "2024-02-29 10:00:00", KindDateTime, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), false},
		{"datetime iso", "2024-02-29T10:00:00Z", KindDateTime, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), false},
		{"datetime offset", "2024-06-01 10:00:00+02:00", KindDateTime, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), false},
		{"datetime bad", "yesterday", KindDateTime, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromText(tt.in, tt.kind)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("FromText(%q, %s) expected error, got %v", tt.in, tt.kind, got)
				}
				if _, ok := err.(*ParseError); !ok {
					t.Errorf("error type = %T, want *ParseError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromText(%q, %s) unexpected error: %v", tt.in, tt.kind, err)
			}
			if gt, ok := got.(time.Time); ok {
				if !gt.Equal(tt.want.(time.Time)) {
					t.Errorf("FromText(%q, %s) = %v, want %v", tt.in, tt.kind, got, tt.want)
				}
				return
			}
			if got != tt.want {
				t.Errorf("FromText(%q, %s) = %#v, want %#v", tt.in, tt.kind, got, tt.want)
			}
		})
	}
}

func TestTimeTextKeepsInstant(t *testing.T) {
	for _, loc := range []*time.Location{time.UTC, time.FixedZone("CEST", 2*3600), time.FixedZone("PST", -8*3600)} {
		in := time.Date(2024, 6, 1, 10, 0, 0, 123000000, loc)
		text, _ := ToText(in)
		got, err := FromText(text, KindDateTime)
		if err != nil {
			t.Fatalf("FromText(%q): %v", text, err)
		}
		if !got.(time.Time).Equal(in) {
			t.Errorf("%s: %v -> %q -> %v", loc, in, text, got)
		}
	}
}

func TestFromTextUUID(t *testing.T) {
	got, err := FromText("6ba7b810-9dad-11d1-80b4-00c04fd430c8", KindUUID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(uuid.UUID); !ok {
		t.Errorf("FromText uuid type = %T, want uuid.UUID", got)
	}
}

func TestInferKind(t *testing.T) {
	tests := []struct {
		name    string
		samples []string
		want    Kind
	}{
		{"integers", []string{"1", "22", "-3"}, KindInteger},
		{"floats", []string{"1", "2.5"}, KindFloat},
		{"booleans", []string{"true", "no"}, KindBoolean},
		{"datetimes", []string{"2024-01-01", "2024-01-02 10:00:00"}, KindDateTime},
		{"mixed", []string{"1", "abc"}, KindString},
		{"blanks ignored", []string{"", "7", " "}, KindInteger},
		{"no samples", nil, KindString},
		{"all blank", []string{"", ""}, KindString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferKind(tt.samples); got != tt.want {
				t.Errorf("InferKind(%v) = %s, want %s", tt.samples, got, tt.want)
			}
		})
	}
}
