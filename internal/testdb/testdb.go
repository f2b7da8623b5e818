// Package testdb creates throwaway SQLite databases for package tests.
package testdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
	_ "github.com/johndauphine/flatbridge/internal/driver/sqlite"
)

// New returns the connection config of an empty database file under
// t.TempDir().
func New(t testing.TB) dbconfig.ConnectionConfig {
	t.Helper()
	return dbconfig.ConnectionConfig{Type: "sqlite", Database: filepath.Join(t.TempDir(), "test.db")}
}

// Exec runs stmts in order and fails the test on the first error.
func Exec(t testing.TB, cfg dbconfig.ConnectionConfig, stmts ...string) {
	t.Helper()
	withDB(t, cfg, func(db *sql.DB) {
		for _, s := range stmts {
			if _, err := db.Exec(s); err != nil {
				t.Fatalf("exec %q: %v", s, err)
			}
		}
	})
}

// SeedOrders creates customers(id, name) with three rows and
// orders(id, customer_id, amount, note) with n rows. Order i belongs to
// customer i%3+1, has amount i*1.5 and a null note when i is even.
func SeedOrders(t testing.TB, cfg dbconfig.ConnectionConfig, n int) {
	t.Helper()
	withDB(t, cfg, func(db *sql.DB) {
		mustExec(t, db, `CREATE TABLE customers (id INTEGER NOT NULL, name TEXT)`)
		mustExec(t, db, `CREATE TABLE orders (id INTEGER NOT NULL, customer_id INTEGER, amount REAL, note TEXT)`)
		for i, name := range []string{"Ann", "Bob", "Cyd"} {
			mustExec(t, db, `INSERT INTO customers (id, name) VALUES (?, ?)`, i+1, name)
		}

		tx, err := db.Begin()
		if err != nil {
			t.Fatal(err)
		}
		stmt, err := tx.Prepare(`INSERT INTO orders (id, customer_id, amount, note) VALUES (?, ?, ?, ?)`)
		if err != nil {
			t.Fatal(err)
		}
		for i := 1; i <= n; i++ {
			var note any
			if i%2 == 1 {
				note = fmt.Sprintf("order %d", i)
			}
			if _, err := stmt.Exec(i, i%3+1, float64(i)*1.5, note); err != nil {
				t.Fatal(err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	})
}

// Count returns the number of rows in table.
func Count(t testing.TB, cfg dbconfig.ConnectionConfig, table string) int64 {
	t.Helper()
	var n int64
	withDB(t, cfg, func(db *sql.DB) {
		if err := db.QueryRow(fmt.Sprintf(`SELECT count(*) FROM %q`, table)).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
	})
	return n
}

// Rows runs query and returns every row with the session's value
// normalization applied.
func Rows(t testing.TB, cfg dbconfig.ConnectionConfig, query string) []driver.Row {
	t.Helper()
	s, err := driver.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	it, err := s.Query(context.Background(), query)
	if err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	defer it.Close()

	var out []driver.Row
	for {
		row, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, row)
	}
	return out
}

func withDB(t testing.TB, cfg dbconfig.ConnectionConfig, fn func(*sql.DB)) {
	t.Helper()
	s, err := driver.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	fn(s.DB())
}

func mustExec(t testing.TB, db *sql.DB, q string, args ...any) {
	t.Helper()
	if _, err := db.Exec(q, args...); err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
}
