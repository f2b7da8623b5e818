// Package service is the request/response boundary over the transfer
// engine. Every call is self-contained: connection settings, source
// descriptors and file paths travel with the request, and the only state
// kept between calls is the transfer registry and the upload directory.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/flatfile"
	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/preview"
	"github.com/johndauphine/flatbridge/internal/query"
	"github.com/johndauphine/flatbridge/internal/registry"
	"github.com/johndauphine/flatbridge/internal/source"
	"github.com/johndauphine/flatbridge/internal/transfer"
	"github.com/johndauphine/flatbridge/internal/util"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// DefaultMaxUpload bounds uploads when Options.MaxUploadBytes is unset.
const DefaultMaxUpload = 50 << 20

// Options configure a Service.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	PreviewLimit   int
	InferTypes     bool

	// Connection is used by requests that carry no connection settings.
	Connection dbconfig.ConnectionConfig
}

// Service implements the boundary operations.
type Service struct {
	engine *transfer.Engine
	opts   Options
}

// New creates a service over engine and makes sure the upload directory
// exists.
func New(engine *transfer.Engine, opts Options) (*Service, error) {
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUpload
	}
	if opts.PreviewLimit <= 0 {
		opts.PreviewLimit = preview.DefaultLimit
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &Service{engine: engine, opts: opts}, nil
}

// Registry returns the registry transfers are recorded in.
func (s *Service) Registry() *registry.Registry { return s.engine.Registry() }

// Engine returns the underlying transfer engine.
func (s *Service) Engine() *transfer.Engine { return s.engine }

// Response carries the outcome shared by every reply.
type Response struct {
	Status  string     `json:"status"`
	Message string     `json:"message,omitempty"`
	Kind    xferr.Kind `json:"error_kind,omitempty"`
}

func success() Response { return Response{Status: StatusSuccess} }

// ErrorResponse renders err as an error reply.
func ErrorResponse(err error) Response {
	return Response{Status: StatusError, Message: err.Error(), Kind: xferr.KindOf(err)}
}

// ConnectRequest carries connection settings. A request without any
// settings uses the configured default connection.
type ConnectRequest struct {
	dbconfig.ConnectionConfig
}

// ConnectResponse lists the tables of the connected database.
type ConnectResponse struct {
	Response
	Tables []string `json:"tables"`
}

// Connect opens a session, lists its tables and closes it.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (*ConnectResponse, error) {
	cfg := s.connection(&req.ConnectionConfig)
	sess, err := driver.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	tables, err := sess.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	if tables == nil {
		tables = []string{}
	}
	logging.Debug("Listed %d tables on %s", len(tables), cfg)
	return &ConnectResponse{Response: success(), Tables: tables}, nil
}

// ColumnsRequest names one table.
type ColumnsRequest struct {
	dbconfig.ConnectionConfig
	Table string `json:"table"`
}

// ColumnsResponse lists the columns of a table in definition order.
type ColumnsResponse struct {
	Response
	Columns []driver.Column `json:"columns"`
}

// DescribeColumns returns the columns of one table.
func (s *Service) DescribeColumns(ctx context.Context, req ColumnsRequest) (*ColumnsResponse, error) {
	if strings.TrimSpace(req.Table) == "" {
		return nil, xferr.Errorf(xferr.KindInvalid, "describe columns", "no table given")
	}
	sess, err := driver.Connect(ctx, s.connection(&req.ConnectionConfig))
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	cols, err := sess.DescribeColumns(ctx, req.Table)
	if err != nil {
		return nil, err
	}
	return &ColumnsResponse{Response: success(), Columns: cols}, nil
}

// JoinColumnsRequest names the tables taking part in a join.
type JoinColumnsRequest struct {
	dbconfig.ConnectionConfig
	Tables []string `json:"tables"`
}

// TableColumns is the column list of one table.
type TableColumns struct {
	Table   string          `json:"table"`
	Columns []driver.Column `json:"columns"`
}

// JoinColumnsResponse lists the columns of every requested table, in
// request order.
type JoinColumnsResponse struct {
	Response
	Tables []TableColumns `json:"tables"`
}

// DescribeJoinTables returns the columns of several tables over a single
// session.
func (s *Service) DescribeJoinTables(ctx context.Context, req JoinColumnsRequest) (*JoinColumnsResponse, error) {
	const op = "describe join tables"

	if len(req.Tables) == 0 {
		return nil, xferr.Errorf(xferr.KindInvalid, op, "no tables given")
	}
	seen := make(map[string]bool, len(req.Tables))
	for _, t := range req.Tables {
		if strings.TrimSpace(t) == "" {
			return nil, xferr.Errorf(xferr.KindInvalid, op, "empty table name")
		}
		if seen[t] {
			return nil, xferr.Errorf(xferr.KindInvalid, op, "table %q listed twice", t)
		}
		seen[t] = true
	}

	sess, err := driver.Connect(ctx, s.connection(&req.ConnectionConfig))
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	out := make([]TableColumns, 0, len(req.Tables))
	for _, t := range req.Tables {
		cols, err := sess.DescribeColumns(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, TableColumns{Table: t, Columns: cols})
	}
	return &JoinColumnsResponse{Response: success(), Tables: out}, nil
}

// UploadResponse describes a stored upload.
type UploadResponse struct {
	Response
	Filename string          `json:"filename"`
	Path     string          `json:"file_path"`
	Columns  []driver.Column `json:"columns"`
}

// Upload stores r under the upload directory and reads its header. The
// stored name is the sanitized client name behind a unique prefix. A file
// whose header cannot be read is removed again.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader, delimiter string) (*UploadResponse, error) {
	const op = "upload"

	name := util.SanitizeFilename(filename)
	if name == "" {
		return nil, xferr.Errorf(xferr.KindInvalid, op, "invalid file name %q", filename)
	}
	delim, err := flatfile.ParseDelimiter(delimiter)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, xferr.New(xferr.KindCancelled, op, err)
	}

	stored := uuid.NewString()[:8] + "_" + name
	path := filepath.Join(s.opts.UploadDir, stored)
	if err := s.store(path, r); err != nil {
		return nil, err
	}

	var cols []driver.Column
	if s.opts.InferTypes {
		cols, err = flatfile.InferColumns(path, delim, 0)
	} else {
		cols, err = flatfile.Columns(path, delim)
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	logging.Info("Stored upload %s (%d columns)", path, len(cols))
	return &UploadResponse{Response: success(), Filename: stored, Path: path, Columns: cols}, nil
}

func (s *Service) store(path string, r io.Reader) error {
	const op = "upload"

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return xferr.New(xferr.KindWrite, op, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.opts.MaxUploadBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return xferr.New(xferr.KindWrite, op, err)
	}
	if n > s.opts.MaxUploadBytes {
		os.Remove(path)
		return xferr.Errorf(xferr.KindInvalid, op, "file exceeds the %d byte upload limit", s.opts.MaxUploadBytes)
	}
	return nil
}

// SourceRequest describes a table, join or uploaded file source.
type SourceRequest struct {
	Connection *dbconfig.ConnectionConfig `json:"connection,omitempty"`
	Table      string                     `json:"table,omitempty"`
	Join       *query.JoinSpec            `json:"join,omitempty"`
	Columns    []string                   `json:"columns,omitempty"`
	FilePath   string                     `json:"file_path,omitempty"`
	Delimiter  string                     `json:"delimiter,omitempty"`
	InferTypes *bool                      `json:"infer_types,omitempty"`
}

// PreviewRequest asks for the first rows of a source.
type PreviewRequest struct {
	SourceRequest
	Limit int `json:"limit,omitempty"`
}

// PreviewResponse holds the sampled rows.
type PreviewResponse struct {
	Response
	Columns []driver.Column `json:"columns"`
	Rows    []preview.Row   `json:"rows"`
}

// Preview samples a source. A zero limit uses the configured preview limit.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewResponse, error) {
	spec, err := s.sourceSpec(req.SourceRequest)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = s.opts.PreviewLimit
	}
	res, err := preview.Preview(ctx, spec, limit)
	if err != nil {
		return nil, err
	}
	return &PreviewResponse{Response: success(), Columns: res.Columns, Rows: res.Rows}, nil
}

// TransferRequest starts a transfer. Source fields describe the table,
// join or file being read; the rest depend on the direction.
type TransferRequest struct {
	SourceRequest
	Direction string `json:"direction"`

	OutputName string `json:"output_name,omitempty"`
	Format     string `json:"format,omitempty"`

	TargetTable string `json:"target_table,omitempty"`
	CreateTable bool   `json:"create_table,omitempty"`

	// Wait makes the call return only once the transfer has finished.
	Wait bool `json:"wait,omitempty"`
}

// TransferResponse reports a started or finished transfer.
type TransferResponse struct {
	Response
	TransferID  string          `json:"transfer_id"`
	State       registry.Status `json:"state"`
	Rows        int64           `json:"rows_transferred"`
	Skipped     int64           `json:"rows_skipped"`
	Destination string          `json:"destination,omitempty"`
	Record      registry.Record `json:"record"`
}

// StartTransfer validates and starts a transfer. Problems found before
// streaming are returned as errors and create no record. With Wait set,
// the response describes the finished transfer; a transfer that ended in
// error still returns a response whose status is "error".
func (s *Service) StartTransfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	treq, err := s.transferRequest(req)
	if err != nil {
		return nil, err
	}

	rec, err := s.engine.Start(ctx, treq)
	if err != nil {
		return nil, err
	}
	if req.Wait {
		s.engine.Wait(rec.ID)
		if rec, err = s.engine.Registry().Get(rec.ID); err != nil {
			return nil, err
		}
	}
	return transferResponse(rec), nil
}

func transferResponse(rec registry.Record) *TransferResponse {
	resp := &TransferResponse{
		Response:    success(),
		TransferID:  rec.ID,
		State:       rec.Status,
		Rows:        rec.Rows,
		Skipped:     rec.Skipped,
		Destination: rec.Destination,
		Record:      rec,
	}
	if rec.Status == registry.StatusError {
		resp.Status = StatusError
		resp.Message = rec.Message
	}
	return resp
}

// Status returns the record of one transfer.
func (s *Service) Status(id string) (registry.Record, error) {
	return s.engine.Registry().Get(id)
}

// List returns every transfer record ordered by start time.
func (s *Service) List() []registry.Record {
	return s.engine.Registry().List()
}

// Cancel asks a running transfer to stop at its next batch boundary.
func (s *Service) Cancel(id string) error {
	return s.engine.Cancel(id)
}

// Clear drops finished transfer records and returns how many were removed.
func (s *Service) Clear() int {
	return s.engine.Registry().Clear()
}

func (s *Service) transferRequest(req TransferRequest) (transfer.Request, error) {
	dir, err := transfer.ParseDirection(req.Direction)
	if err != nil {
		return transfer.Request{}, err
	}

	out := transfer.Request{Direction: dir}
	switch dir {
	case transfer.DBToFile:
		if req.FilePath != "" {
			return out, xferr.Errorf(xferr.KindInvalid, "transfer request", "db_to_file reads a table, not %q", req.FilePath)
		}
		src, err := s.sourceSpec(req.SourceRequest)
		if err != nil {
			return out, err
		}
		format, err := flatfile.ParseFormat(req.Format)
		if err != nil {
			return out, err
		}
		if req.Delimiter != "" {
			if out.Delimiter, err = flatfile.ParseDelimiter(req.Delimiter); err != nil {
				return out, err
			}
		}
		out.Source = src
		out.Connection = src.Connection
		out.Format = format
		out.OutputName = req.OutputName
	case transfer.FileToDB:
		src, err := s.sourceSpec(SourceRequest{
			Columns:    req.Columns,
			FilePath:   req.FilePath,
			Delimiter:  req.Delimiter,
			InferTypes: req.InferTypes,
		})
		if err != nil {
			return out, err
		}
		if req.Table != "" || req.Join != nil {
			return out, xferr.Errorf(xferr.KindInvalid, "transfer request", "file_to_db reads a file; use target_table for the destination")
		}
		conn := s.connection(req.Connection)
		out.Source = src
		out.Connection = &conn
		out.TargetTable = req.TargetTable
		out.CreateTable = req.CreateTable
	}
	return out, nil
}

func (s *Service) sourceSpec(req SourceRequest) (source.Spec, error) {
	spec := source.Spec{
		Table:      req.Table,
		Join:       req.Join,
		Columns:    req.Columns,
		InferTypes: s.opts.InferTypes,
	}
	if req.InferTypes != nil {
		spec.InferTypes = *req.InferTypes
	}

	if req.FilePath != "" {
		path, err := s.resolveUpload(req.FilePath)
		if err != nil {
			return spec, err
		}
		delim, err := flatfile.ParseDelimiter(req.Delimiter)
		if err != nil {
			return spec, err
		}
		spec.FilePath = path
		spec.Delimiter = delim
		return spec, nil
	}

	conn := s.connection(req.Connection)
	spec.Connection = &conn
	return spec, nil
}

// resolveUpload maps a client-supplied path onto a file inside the upload
// directory. Bare names are looked up there; anything that escapes it is
// rejected.
func (s *Service) resolveUpload(p string) (string, error) {
	const op = "resolve file"

	root, err := filepath.Abs(s.opts.UploadDir)
	if err != nil {
		return "", xferr.New(xferr.KindInvalid, op, err)
	}
	candidates := []string{p}
	if !filepath.IsAbs(p) {
		candidates = append(candidates, filepath.Join(s.opts.UploadDir, p))
	}
	for _, c := range candidates {
		abs, err := filepath.Abs(c)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		info, err := os.Stat(abs)
		if errors.Is(err, os.ErrNotExist) {
			return "", xferr.Errorf(xferr.KindNotFound, op, "file %q not found", p)
		}
		if err != nil {
			return "", xferr.New(xferr.KindInvalid, op, err)
		}
		if info.IsDir() {
			return "", xferr.Errorf(xferr.KindInvalid, op, "%q is a directory", p)
		}
		return abs, nil
	}
	return "", xferr.Errorf(xferr.KindInvalid, op, "file %q is outside the upload directory", p)
}

func (s *Service) connection(c *dbconfig.ConnectionConfig) dbconfig.ConnectionConfig {
	if c == nil || *c == (dbconfig.ConnectionConfig{}) {
		return s.opts.Connection
	}
	return *c
}
