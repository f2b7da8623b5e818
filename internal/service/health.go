package service

import (
	"context"
	"runtime"
	"time"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/version"
)

// HealthCheckTimeout bounds the database probe of Health.
const HealthCheckTimeout = 10 * time.Second

// HealthResult reports process and default-database health.
type HealthResult struct {
	Response
	Version         string `json:"version"`
	Timestamp       string `json:"timestamp"`
	Database        string `json:"database"`
	Connected       bool   `json:"connected"`
	DatabaseError   string `json:"database_error,omitempty"`
	LatencyMs       int64  `json:"latency_ms"`
	TableCount      int    `json:"table_count"`
	ActiveTransfers int    `json:"active_transfers"`
	HeapAllocMB     uint64 `json:"heap_alloc_mb"`
	Goroutines      int    `json:"goroutines"`
}

// Health probes the default connection. An unreachable database is
// reported in the result, not as an error; Status is "error" in that case.
func (s *Service) Health(ctx context.Context) *HealthResult {
	res := &HealthResult{
		Response:        success(),
		Version:         version.Version,
		Timestamp:       time.Now().Format(time.RFC3339),
		Database:        s.opts.Connection.String(),
		ActiveTransfers: s.engine.Active(),
		Goroutines:      runtime.NumGoroutine(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	res.HeapAllocMB = ms.HeapAlloc / (1 << 20)

	checkCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	sess, err := driver.Connect(checkCtx, s.opts.Connection)
	if err == nil {
		var tables []string
		tables, err = sess.ListTables(checkCtx)
		res.TableCount = len(tables)
		sess.Close()
	}
	res.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		res.Status = StatusError
		res.Message = "database unreachable"
		res.DatabaseError = err.Error()
		return res
	}
	res.Connected = true
	return res
}
