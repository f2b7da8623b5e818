// Package pipeline streams rows from a source iterator through a coercion
// stage into a batch sink.
package pipeline

import (
	"fmt"
	"time"
)

// Stats tracks timing statistics for profiling a transfer operation.
type Stats struct {
	// ReadTime is total time spent pulling rows from the source.
	ReadTime time.Duration

	// CoerceTime is total time spent converting values for the destination.
	CoerceTime time.Duration

	// WriteTime is total time spent writing to the destination.
	WriteTime time.Duration

	// Rows is the total number of rows written.
	Rows int64

	// Skipped is the number of source rows dropped as malformed or uncoercible.
	Skipped int64

	// Batches is the number of batches written.
	Batches int
}

// String returns a formatted summary of the stats.
func (s *Stats) String() string {
	total := s.TotalTime()
	if total == 0 {
		return fmt.Sprintf("rows=%d, skipped=%d", s.Rows, s.Skipped)
	}
	return fmt.Sprintf("read=%.1fs (%.0f%%), coerce=%.1fs (%.0f%%), write=%.1fs (%.0f%%), rows=%d, skipped=%d",
		s.ReadTime.Seconds(), float64(s.ReadTime)/float64(total)*100,
		s.CoerceTime.Seconds(), float64(s.CoerceTime)/float64(total)*100,
		s.WriteTime.Seconds(), float64(s.WriteTime)/float64(total)*100,
		s.Rows, s.Skipped)
}

// TotalTime returns the sum of all timing components.
func (s *Stats) TotalTime() time.Duration {
	return s.ReadTime + s.CoerceTime + s.WriteTime
}

// RowsPerSecond calculates the throughput.
func (s *Stats) RowsPerSecond() float64 {
	total := s.TotalTime()
	if total == 0 {
		return 0
	}
	return float64(s.Rows) / total.Seconds()
}
