// Package dbconfig provides the database connection settings shared by the
// config and driver packages. It exists to break the import cycle between them.
package dbconfig

import (
	"fmt"
	"strings"
)

// DefaultType is the driver used when a connection does not name one.
const DefaultType = "clickhouse"

// ConnectionConfig identifies one database endpoint. It is passed by value and
// never modified after construction.
type ConnectionConfig struct {
	Type     string `yaml:"type" json:"type,omitempty"` // clickhouse (default), postgres, mysql, mssql, sqlite
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Database string `yaml:"database" json:"database"` // for sqlite: the database file path
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password,omitempty"`
	Token    string `yaml:"token" json:"jwt_token,omitempty"` // bearer credential (ClickHouse HTTP)
	Secure   bool   `yaml:"secure" json:"secure,omitempty"`   // TLS
	Protocol string `yaml:"protocol" json:"protocol,omitempty"` // ClickHouse: native (default) or http
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode,omitempty"` // PostgreSQL/MySQL TLS mode
}

// DriverType returns the normalized driver name, applying DefaultType.
func (c ConnectionConfig) DriverType() string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	if t == "" {
		return DefaultType
	}
	return t
}

// Address returns host:port.
func (c ConnectionConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WithDefaultPort returns a copy with Port set to port when unset.
func (c ConnectionConfig) WithDefaultPort(port int) ConnectionConfig {
	if c.Port == 0 {
		c.Port = port
	}
	return c
}

// String describes the endpoint without credentials.
func (c ConnectionConfig) String() string {
	if c.DriverType() == "sqlite" {
		return "sqlite:" + c.Database
	}
	return fmt.Sprintf("%s://%s@%s/%s", c.DriverType(), c.User, c.Address(), c.Database)
}

// DSNOptions returns a map of options for building a DSN.
func (c ConnectionConfig) DSNOptions() map[string]any {
	opts := make(map[string]any)
	if c.SSLMode != "" {
		opts["ssl_mode"] = c.SSLMode
	}
	if c.Secure {
		opts["secure"] = true
	}
	if c.Protocol != "" {
		opts["protocol"] = strings.ToLower(c.Protocol)
	}
	return opts
}
