package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/flatbridge/internal/config"
	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	_ "github.com/johndauphine/flatbridge/internal/driver/clickhouse"
	_ "github.com/johndauphine/flatbridge/internal/driver/mssql"
	_ "github.com/johndauphine/flatbridge/internal/driver/mysql"
	_ "github.com/johndauphine/flatbridge/internal/driver/postgres"
	_ "github.com/johndauphine/flatbridge/internal/driver/sqlite"
	"github.com/johndauphine/flatbridge/internal/flatfile"
	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/preview"
	"github.com/johndauphine/flatbridge/internal/progress"
	"github.com/johndauphine/flatbridge/internal/query"
	"github.com/johndauphine/flatbridge/internal/registry"
	"github.com/johndauphine/flatbridge/internal/server"
	"github.com/johndauphine/flatbridge/internal/service"
	"github.com/johndauphine/flatbridge/internal/source"
	"github.com/johndauphine/flatbridge/internal/transfer"
	"github.com/johndauphine/flatbridge/internal/util"
	"github.com/johndauphine/flatbridge/internal/version"
)

func main() {
	err := newApp().Run(os.Args)
	logging.Sync()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	code := 1
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		code = ec.ExitCode()
	}
	os.Exit(code)
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		// Exit codes are applied in main so commands stay testable.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (default $" + config.FileEnvVar + " or " + config.DefaultFile + ")",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the HTTP API and transfer status websocket",
				Action: serve,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "Listen address (overrides server.addr)"},
				},
			},
			{
				Name:   "tables",
				Usage:  "List the tables of the database",
				Action: listTables,
				Flags:  append(connectionFlags(), outputJSONFlag()),
			},
			{
				Name:      "describe",
				Usage:     "Show the columns of a table",
				ArgsUsage: "TABLE",
				Action:    describeTable,
				Flags:     append(connectionFlags(), outputJSONFlag()),
			},
			{
				Name:   "preview",
				Usage:  "Show the first rows of a table, join or file",
				Action: previewSource,
				Flags: append(append(connectionFlags(), sourceFlags()...),
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Rows to show (default engine.preview_limit)"},
					outputJSONFlag(),
				),
			},
			{
				Name:   "export",
				Usage:  "Copy a table or join into a flat file",
				Action: exportTable,
				Flags: append(append(connectionFlags(), sourceFlags()...),
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output file (default <table>_<timestamp>.<format> in server.output_dir)"},
					&cli.StringFlag{Name: "format", Value: "csv", Usage: "Output format: csv, tsv, parquet"},
				),
			},
			{
				Name:   "import",
				Usage:  "Load a flat file into a table",
				Action: importFile,
				Flags: append(append(connectionFlags(), sourceFlags()...),
					&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Required: true, Usage: "Target table"},
					&cli.BoolFlag{Name: "create", Usage: "Create the target table when it does not exist"},
				),
			},
		},
	}
}

func connectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "db-type", Usage: "Database driver: " + strings.Join(driver.Available(), ", ")},
		&cli.StringFlag{Name: "host", Usage: "Database host"},
		&cli.IntFlag{Name: "port", Usage: "Database port (default per driver)"},
		&cli.StringFlag{Name: "database", Aliases: []string{"d"}, Usage: "Database name (sqlite: file path)"},
		&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Database user"},
		&cli.StringFlag{Name: "password", EnvVars: []string{"FLATBRIDGE_PASSWORD"}, Usage: "Database password"},
		&cli.StringFlag{Name: "token", EnvVars: []string{"FLATBRIDGE_TOKEN"}, Usage: "Bearer token (JWT)"},
		&cli.BoolFlag{Name: "secure", Usage: "Use TLS"},
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "table", Usage: "Source table (join base table when --join is given)"},
		&cli.StringSliceFlag{Name: "join", Usage: "Join table, repeatable"},
		&cli.StringSliceFlag{Name: "on", Usage: "Join condition, one per join table, repeatable"},
		&cli.StringFlag{Name: "columns", Usage: "Comma-separated columns; join columns may be table.column"},
		&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Source flat file"},
		&cli.StringFlag{Name: "delimiter", Usage: "Field delimiter: a character, tab, comma, pipe or semicolon"},
		&cli.BoolFlag{Name: "infer-types", Usage: "Guess file column types from the first rows"},
	}
}

func outputJSONFlag() cli.Flag {
	return &cli.BoolFlag{Name: "output-json", Usage: "Print JSON instead of a table"}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyLogging()
	if lvl := c.String("log-level"); lvl != "" {
		level, err := logging.ParseLevel(lvl)
		if err != nil {
			return nil, err
		}
		logging.SetLevel(level)
	}
	return cfg, nil
}

// connectionConfig applies the connection flags over the configured
// database settings.
func connectionConfig(c *cli.Context, base dbconfig.ConnectionConfig) dbconfig.ConnectionConfig {
	if c.IsSet("db-type") {
		base.Type = c.String("db-type")
	}
	if c.IsSet("host") {
		base.Host = c.String("host")
	}
	if c.IsSet("port") {
		base.Port = c.Int("port")
	}
	if c.IsSet("database") {
		base.Database = c.String("database")
	}
	if c.IsSet("user") {
		base.User = c.String("user")
	}
	if c.IsSet("password") {
		base.Password = c.String("password")
	}
	if c.IsSet("token") {
		base.Token = c.String("token")
	}
	if c.IsSet("secure") {
		base.Secure = c.Bool("secure")
	}
	return base
}

// sourceSpec builds the source descriptor from the source flags.
func sourceSpec(c *cli.Context, conn dbconfig.ConnectionConfig, inferDefault bool) (source.Spec, error) {
	spec := source.Spec{
		Columns:    util.SplitCSV(c.String("columns")),
		InferTypes: inferDefault || c.Bool("infer-types"),
	}

	if file := c.String("file"); file != "" {
		delim, err := flatfile.ParseDelimiter(c.String("delimiter"))
		if err != nil {
			return spec, err
		}
		spec.FilePath = file
		spec.Delimiter = delim
		return spec, nil
	}

	spec.Connection = &conn
	spec.Table = c.String("table")
	if joins := c.StringSlice("join"); len(joins) > 0 {
		spec.Join = &query.JoinSpec{
			BaseTable:  spec.Table,
			JoinTables: joins,
			Conditions: c.StringSlice("on"),
		}
	}
	return spec, spec.Validate()
}

// signalCancel cancels every running transfer of e on SIGINT or SIGTERM.
// The returned function stops listening.
func signalCancel(c *cli.Context, e *transfer.Engine) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(c.App.ErrWriter, "\nInterrupted. Cancelling after the current batch...")
			e.CancelAll()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}

	pub, err := cfg.Publisher()
	if err != nil {
		return fmt.Errorf("failed to configure storage: %w", err)
	}
	if err := os.MkdirAll(cfg.Server.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	engine := transfer.NewEngine(registry.New(), cfg.EngineOptions(pub))
	svc, err := service.New(engine, service.Options{
		UploadDir:      cfg.Server.UploadDir,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		PreviewLimit:   cfg.Engine.PreviewLimit,
		InferTypes:     cfg.Engine.InferTypes,
		Connection:     cfg.Database,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = server.New(svc).Run(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)

	if n := engine.Active(); n > 0 {
		logging.Info("Cancelling %d running transfers", n)
		engine.CancelAll()
		engine.WaitAll()
	}
	return err
}

func listTables(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	conn := connectionConfig(c, cfg.Database)

	sess, err := driver.Connect(c.Context, conn)
	if err != nil {
		return err
	}
	defer sess.Close()

	tables, err := sess.ListTables(c.Context)
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		return outputJSON(c.App.Writer, tables)
	}
	for _, t := range tables {
		fmt.Fprintln(c.App.Writer, t)
	}
	return nil
}

func describeTable(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("describe needs exactly one TABLE argument", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	conn := connectionConfig(c, cfg.Database)

	sess, err := driver.Connect(c.Context, conn)
	if err != nil {
		return err
	}
	defer sess.Close()

	cols, err := sess.DescribeColumns(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		return outputJSON(c.App.Writer, cols)
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tKIND\tNULLABLE")
	for _, col := range cols {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", col.Name, col.DataType, col.Kind, col.Nullable)
	}
	return tw.Flush()
}

func previewSource(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	spec, err := sourceSpec(c, connectionConfig(c, cfg.Database), cfg.Engine.InferTypes)
	if err != nil {
		return err
	}
	limit := cfg.Engine.PreviewLimit
	if c.IsSet("limit") {
		limit = c.Int("limit")
	}

	res, err := preview.Preview(c.Context, spec, limit)
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		return outputJSON(c.App.Writer, res)
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(driver.ColumnNames(res.Columns), "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row.Values()))
		for i, v := range row.Values() {
			cells[i] = preview.Display(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.ErrWriter, "(%d rows)\n", len(res.Rows))
	return nil
}

func exportTable(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	conn := connectionConfig(c, cfg.Database)
	spec, err := sourceSpec(c, conn, false)
	if err != nil {
		return err
	}
	if spec.IsFile() {
		return cli.Exit("export reads a table; use --table", 2)
	}

	opts := cfg.EngineOptions(nil)
	var name string
	if out := c.String("output"); out != "" {
		opts.OutputDir = filepath.Dir(out)
		name = filepath.Base(out)
	}
	if cfg.Storage.Type != "local" {
		if opts.Publisher, err = cfg.Publisher(); err != nil {
			return fmt.Errorf("failed to configure storage: %w", err)
		}
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	format, err := flatfile.ParseFormat(c.String("format"))
	if err != nil {
		return err
	}
	req := transfer.Request{
		Direction:  transfer.DBToFile,
		Connection: &conn,
		Source:     spec,
		OutputName: name,
		Format:     format,
	}
	if d := c.String("delimiter"); d != "" {
		if req.Delimiter, err = flatfile.ParseDelimiter(d); err != nil {
			return err
		}
	}
	return runTransfer(c, transfer.NewEngine(registry.New(), opts), req)
}

func importFile(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	conn := connectionConfig(c, cfg.Database)
	spec, err := sourceSpec(c, conn, cfg.Engine.InferTypes)
	if err != nil {
		return err
	}
	if !spec.IsFile() {
		return cli.Exit("import reads a file; use --file", 2)
	}
	if len(spec.Columns) == 0 {
		cols, err := flatfile.Columns(spec.FilePath, spec.Delimiter)
		if err != nil {
			return err
		}
		spec.Columns = driver.ColumnNames(cols)
	}

	req := transfer.Request{
		Direction:   transfer.FileToDB,
		Connection:  &conn,
		Source:      spec,
		TargetTable: c.String("target"),
		CreateTable: c.Bool("create"),
	}
	return runTransfer(c, transfer.NewEngine(registry.New(), cfg.EngineOptions(nil)), req)
}

// runTransfer starts req, renders its progress and reports the outcome. A
// transfer that ends in error exits with status 1.
func runTransfer(c *cli.Context, e *transfer.Engine, req transfer.Request) error {
	stop := signalCancel(c, e)
	defer stop()

	rec, err := e.Start(c.Context, req)
	if err != nil {
		return err
	}
	rec, err = progress.Follow(context.Background(), e.Registry(), rec.ID, c.App.ErrWriter)
	if err != nil {
		return err
	}
	e.Wait(rec.ID)

	if rec.Status != registry.StatusCompleted {
		return cli.Exit(fmt.Sprintf("transfer %s failed: %s", rec.ID, rec.Message), 1)
	}
	return nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
