// Package clickhouse provides the ClickHouse driver implementation on top of
// clickhouse-go's database/sql interface. It registers itself with the driver
// registry on import.
package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
)

// BlockSize is the number of rows the server streams per block on reads.
const BlockSize = 10000

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for ClickHouse.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "clickhouse"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"ch"}
}

// Defaults returns the default configuration values for the native protocol.
func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{Port: 9000, SecurePort: 9440}
}

// DefaultPort picks the port for the protocol cfg will use.
func (d *Driver) DefaultPort(cfg dbconfig.ConnectionConfig) int {
	switch {
	case useHTTP(cfg) && cfg.Secure:
		return 8443
	case useHTTP(cfg):
		return 8123
	case cfg.Secure:
		return 9440
	}
	return 9000
}

// Dialect returns the ClickHouse dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open returns a connection pool for cfg. A bearer token switches the
// connection to the HTTP protocol and is sent as an Authorization header.
func (d *Driver) Open(_ context.Context, cfg dbconfig.ConnectionConfig) (*sql.DB, error) {
	opts, err := ch.ParseDSN((&Dialect{}).BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if opts.Settings == nil {
		opts.Settings = ch.Settings{}
	}
	opts.Settings["max_block_size"] = BlockSize
	opts.DialTimeout = 10 * time.Second

	if token := bearer(cfg.Token); token != "" {
		opts.Protocol = ch.HTTP
		opts.HttpHeaders = map[string]string{"Authorization": "Bearer " + token}
	}
	return ch.OpenDB(opts), nil
}

func useHTTP(cfg dbconfig.ConnectionConfig) bool {
	return strings.EqualFold(cfg.Protocol, "http") || strings.EqualFold(cfg.Protocol, "https") || bearer(cfg.Token) != ""
}

func bearer(token string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
}
