package postgres

import (
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/typemap"
)

func TestDriverRegistration(t *testing.T) {
	// The driver should be registered via init()
	d, err := driver.Get("postgres")
	if err != nil {
		t.Fatalf("Failed to get postgres driver: %v", err)
	}

	if d.Name() != "postgres" {
		t.Errorf("Expected driver name 'postgres', got %q", d.Name())
	}

	for _, alias := range []string{"postgresql", "pg"} {
		d, err := driver.Get(alias)
		if err != nil {
			t.Errorf("Failed to get driver by alias %q: %v", alias, err)
			continue
		}
		if d.Name() != "postgres" {
			t.Errorf("Expected driver name 'postgres' for alias %q, got %q", alias, d.Name())
		}
	}
}

func TestDialect(t *testing.T) {
	dialect := &Dialect{}

	tests := []struct {
		name     string
		method   func() string
		expected string
	}{
		{"DBType", dialect.DBType, "postgres"},
		{"QuoteIdentifier", func() string { return dialect.QuoteIdentifier(`we"ird`) }, `"we""ird"`},
		{"ParameterPlaceholder", func() string { return dialect.ParameterPlaceholder(3) }, "$3"},
		{"InsertSQL", func() string { return dialect.InsertSQL("t", []string{"a", "b"}) }, `INSERT INTO "t" ("a", "b") VALUES ($1, $2)`},
		{"MapKind", func() string { return dialect.MapKind(typemap.KindDateTime, true) }, "timestamp"},
		{"CreateTableSQL", func() string {
			return dialect.CreateTableSQL("t", []driver.Column{{Name: "id", Kind: typemap.KindUUID}})
		}, `CREATE TABLE IF NOT EXISTS "t" ("id" uuid NOT NULL)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.method()
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestBuildDSNParses(t *testing.T) {
	dsn := (&Dialect{}).BuildDSN(dbconfig.ConnectionConfig{
		Host: "localhost", Port: 5433, Database: "shop", User: "ann", Password: "p@ss word",
	})
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("ParseConfig(%q): %v", dsn, err)
	}
	if cfg.Host != "localhost" || cfg.Port != 5433 || cfg.Database != "shop" {
		t.Errorf("parsed %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	}
	if cfg.User != "ann" || cfg.Password != "p@ss word" {
		t.Errorf("credentials not preserved: %q / %q", cfg.User, cfg.Password)
	}
}

func TestAvailableDrivers(t *testing.T) {
	available := driver.Available()
	found := false
	for _, name := range available {
		if name == "postgres" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("PostgreSQL driver not in available list: %v", available)
	}
}
