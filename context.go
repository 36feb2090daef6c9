package querypilot

import (
	"time"
)

// SystemLoad is a snapshot of live resource utilization on the host or
// cluster serving queries. All values are percentages in [0, 100].
type SystemLoad struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Disk    float64 `json:"disk"`
	Network float64 `json:"network"`
}

// Normalized returns the dominant load as a fraction in [0, 1].
func (s SystemLoad) Normalized() float64 {
	max := s.CPU
	if s.Memory > max {
		max = s.Memory
	}
	if s.Disk > max {
		max = s.Disk
	}
	if s.Network > max {
		max = s.Network
	}
	return max / 100.0
}

// DataSizeInfo carries caller-supplied estimates of the data volume a query
// will touch. Estimates are advisory; zero values mean unknown.
type DataSizeInfo struct {
	EstimatedRows  int64            `json:"estimated_rows"`
	EstimatedBytes int64            `json:"estimated_bytes"`
	TableRows      map[string]int64 `json:"table_rows,omitempty"`
}

// ScaleFactor converts the row estimate into a multiplicative cost factor,
// capped at max. Returns 1.0 when no estimate is available.
func (d *DataSizeInfo) ScaleFactor(max float64) float64 {
	if d == nil || d.EstimatedRows <= 0 {
		return 1.0
	}
	// One million rows is the reference workload.
	factor := 1.0 + float64(d.EstimatedRows)/1_000_000
	if factor > max {
		factor = max
	}
	return factor
}

// IndexInfo describes an index known to exist on the target database.
type IndexInfo struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// QueryContext is the runtime context accompanying an optimization request.
// All fields are optional; the zero value is a valid low-information context.
type QueryContext struct {
	Endpoint string `json:"endpoint,omitempty"`
	Database string `json:"database,omitempty"`

	SystemLoad SystemLoad    `json:"system_load"`
	DataSize   *DataSizeInfo `json:"data_size,omitempty"`
	Indexes    []IndexInfo   `json:"indexes,omitempty"`

	// RecentQueries is the caller's view of recent query text, newest first.
	RecentQueries []string `json:"recent_queries,omitempty"`

	// DisableCaching suppresses cache-node routing preference and result
	// cache writes for this request.
	DisableCaching bool `json:"disable_caching,omitempty"`

	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// At returns the context timestamp, defaulting to now.
func (c *QueryContext) At() time.Time {
	if c == nil || c.Timestamp.IsZero() {
		return time.Now()
	}
	return c.Timestamp
}

// IndexedColumns returns the set of indexed columns for a table.
func (c *QueryContext) IndexedColumns(table string) map[string]bool {
	if c == nil {
		return nil
	}
	cols := make(map[string]bool)
	for _, idx := range c.Indexes {
		if table != "" && idx.Table != table {
			continue
		}
		for _, col := range idx.Columns {
			cols[col] = true
		}
	}
	return cols
}

// QueryExecutionResult is the measured outcome of running a query on an
// execution backend. The engine never executes queries itself; callers feed
// results back through Engine.LearnFromQuery.
type QueryExecutionResult struct {
	ExecutionTime time.Duration `json:"execution_time"`
	RowsAffected  int64         `json:"rows_affected"`
	MemoryUsed    int64         `json:"memory_used"`
	DiskReads     int64         `json:"disk_reads"`
	DiskWrites    int64         `json:"disk_writes"`
	NetworkBytes  int64         `json:"network_bytes"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
}
