package transfer

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/flatfile"
	"github.com/johndauphine/flatbridge/internal/source"
	"github.com/johndauphine/flatbridge/internal/util"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// Direction is the way rows move.
type Direction string

const (
	DBToFile Direction = "db_to_file"
	FileToDB Direction = "file_to_db"
)

// ParseDirection accepts the canonical names and the export/import aliases.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "db_to_file", "db-to-file", "db->file", "export":
		return DBToFile, nil
	case "file_to_db", "file-to-db", "file->db", "import":
		return FileToDB, nil
	}
	return "", xferr.Errorf(xferr.KindInvalid, "parse direction", "unknown direction %q (want db_to_file or file_to_db)", s)
}

// Request describes one transfer.
type Request struct {
	Direction Direction `json:"direction"`

	// Connection is the database side of the transfer. For db_to_file it
	// is used when Source.Connection is unset.
	Connection *dbconfig.ConnectionConfig `json:"connection,omitempty"`

	Source source.Spec `json:"source"`

	// db_to_file
	OutputName string          `json:"output_name,omitempty"`
	Format     flatfile.Format `json:"format,omitempty"`
	Delimiter  rune            `json:"-"`

	// file_to_db
	TargetTable string `json:"target_table,omitempty"`
	CreateTable bool   `json:"create_table,omitempty"`
}

// normalize fills defaults and checks the request. It runs before any I/O.
func (r *Request) normalize(now time.Time) error {
	const op = "transfer request"

	switch r.Direction {
	case DBToFile:
		if r.Source.IsFile() {
			return xferr.Errorf(xferr.KindInvalid, op, "db_to_file needs a table source")
		}
		if r.Source.Connection == nil {
			r.Source.Connection = r.Connection
		}
		format, err := flatfile.ParseFormat(string(r.Format))
		if err != nil {
			return err
		}
		r.Format = format
		if r.Delimiter == 0 {
			r.Delimiter = flatfile.DelimiterFor(r.Format)
		}
		name := util.SanitizeFilename(r.OutputName)
		if name == "" {
			base := util.SanitizeFilename(strings.ReplaceAll(r.Source.Name(), "+", "_"))
			if base == "" {
				base = "export"
			}
			name = fmt.Sprintf("%s_%s", base, now.Format("20060102_150405"))
		}
		if filepath.Ext(name) == "" {
			name += r.Format.Extension()
		}
		r.OutputName = name
	case FileToDB:
		if !r.Source.IsFile() {
			return xferr.Errorf(xferr.KindInvalid, op, "file_to_db needs a file source")
		}
		if r.Connection == nil {
			return xferr.Errorf(xferr.KindInvalid, op, "file_to_db needs a target connection")
		}
		if strings.TrimSpace(r.TargetTable) == "" {
			return xferr.Errorf(xferr.KindInvalid, op, "file_to_db needs a target table")
		}
	default:
		return xferr.Errorf(xferr.KindInvalid, op, "unknown direction %q", r.Direction)
	}

	if len(r.Source.Columns) == 0 {
		return xferr.Errorf(xferr.KindInvalid, op, "no columns selected")
	}
	return r.Source.Validate()
}
