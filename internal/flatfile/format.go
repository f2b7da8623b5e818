// Package flatfile reads and writes delimited text files (CSV, TSV and any
// single-character delimiter) and Parquet exports, exchanging rows with the
// transfer pipeline.
package flatfile

import (
	"strings"
	"unicode/utf8"

	"github.com/johndauphine/flatbridge/internal/xferr"
)

// Format is an output file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatTSV     Format = "tsv"
	FormatParquet Format = "parquet"
)

// ParseFormat normalizes a format name. An empty name is CSV.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", "txt", "text":
		return FormatCSV, nil
	case FormatCSV, FormatTSV, FormatParquet:
		return f, nil
	}
	return "", xferr.Errorf(xferr.KindInvalid, "parse format", "unsupported file format %q", s)
}

// Extension returns the file extension for f, including the dot.
func (f Format) Extension() string {
	switch f {
	case FormatTSV:
		return ".tsv"
	case FormatParquet:
		return ".parquet"
	}
	return ".csv"
}

// ParseDelimiter converts a user-supplied delimiter to a rune. It accepts a
// single character, the escapes "\t" and "tab", and the names "comma",
// "pipe" and "semicolon". An empty string is a comma.
func ParseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "":
		return ',', nil
	case "\\t", "\t", "tab":
		return '\t', nil
	case "comma":
		return ',', nil
	case "pipe":
		return '|', nil
	case "semicolon":
		return ';', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, xferr.Errorf(xferr.KindInvalid, "parse delimiter", "invalid delimiter %q", s)
	}
	return r, nil
}

// DelimiterFor returns the default delimiter of format f.
func DelimiterFor(f Format) rune {
	if f == FormatTSV {
		return '\t'
	}
	return ','
}
