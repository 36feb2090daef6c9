package querypilot

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestAnalyzer(t *testing.T) *QueryAnalyzer {
	t.Helper()
	return NewQueryAnalyzer(DefaultQueryAnalyzerConfig(), zap.NewNop())
}

func TestAnalyzeSimpleTimeRangeQuery(t *testing.T) {
	qa := newTestAnalyzer(t)

	analysis := qa.Analyze("SELECT * FROM metrics WHERE time > now() - 1h", nil)
	if analysis == nil {
		t.Fatal("Analyze() returned nil")
	}

	p := analysis.Pattern()
	if p.Kind != KindSelect {
		t.Errorf("Kind = %v, want %v", p.Kind, KindSelect)
	}
	if len(p.Tables) != 1 || p.Tables[0] != "metrics" {
		t.Errorf("Tables = %v, want [metrics]", p.Tables)
	}
	if !p.HasTimeFilter() {
		t.Error("expected time filter to be detected")
	}
	if analysis.Complexity.Level != ComplexityMedium {
		t.Errorf("Level = %v, want %v", analysis.Complexity.Level, ComplexityMedium)
	}

	found := false
	for _, w := range analysis.Warnings {
		if w == "Query without LIMIT may return large result sets" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing LIMIT warning, got %v", analysis.Warnings)
	}
}

func TestAnalyzeMultiJoinQuery(t *testing.T) {
	qa := newTestAnalyzer(t)

	query := "SELECT u.name, COUNT(o.id) FROM users " +
		"JOIN orders ON users.id = orders.user_id " +
		"JOIN items ON orders.id = items.order_id " +
		"JOIN shipments ON orders.id = shipments.order_id " +
		"JOIN payments ON orders.id = payments.order_id " +
		"GROUP BY u.name"

	analysis := qa.Analyze(query, nil)
	p := analysis.Pattern()

	if len(p.Joins) != 4 {
		t.Fatalf("Joins = %d, want 4", len(p.Joins))
	}
	if p.Joins[0].RightTable != "orders" || p.Joins[3].RightTable != "payments" {
		t.Errorf("unexpected join tables: %+v", p.Joins)
	}
	if analysis.Complexity.Score < 80 {
		t.Errorf("Score = %v, want >= 80", analysis.Complexity.Score)
	}

	found := false
	for _, w := range analysis.Warnings {
		if strings.Contains(w, "multi-join") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing multi-join warning, got %v", analysis.Warnings)
	}
}

func TestAnalyzeEmptyQuery(t *testing.T) {
	qa := newTestAnalyzer(t)

	analysis := qa.Analyze("", nil)
	if analysis == nil {
		t.Fatal("Analyze() returned nil for empty query")
	}
	found := false
	for _, w := range analysis.Warnings {
		if strings.Contains(w, "Empty query") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected empty-query warning, got %v", analysis.Warnings)
	}
}

func TestComplexityLevelBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  ComplexityLevel
	}{
		{0, ComplexitySimple},
		{19, ComplexitySimple},
		{20, ComplexityMedium},
		{49, ComplexityMedium},
		{50, ComplexityComplex},
		{99, ComplexityComplex},
		{100, ComplexityVeryComplex},
		{250, ComplexityVeryComplex},
	}
	for _, tt := range tests {
		if got := complexityLevelFor(tt.score); got != tt.want {
			t.Errorf("complexityLevelFor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestResourceEstimateScalesWithDataSize(t *testing.T) {
	qa := newTestAnalyzer(t)
	query := "SELECT * FROM metrics WHERE time > now() - 1h"

	small := qa.Analyze(query, &QueryContext{
		DataSize: &DataSizeInfo{EstimatedRows: 1000},
	})
	large := qa.Analyze(query, &QueryContext{
		DataSize: &DataSizeInfo{EstimatedRows: 100_000_000},
	})

	if large.ResourceUsage.Memory <= small.ResourceUsage.Memory {
		t.Errorf("memory estimate should grow with data size: small=%v large=%v",
			small.ResourceUsage.Memory, large.ResourceUsage.Memory)
	}
	// Scale factor is capped, so huge datasets cannot blow up the estimate.
	if large.ResourceUsage.Memory > small.ResourceUsage.Memory*6 {
		t.Errorf("memory estimate exceeded scale cap: small=%v large=%v",
			small.ResourceUsage.Memory, large.ResourceUsage.Memory)
	}
}

func TestAnalyzeDependencies(t *testing.T) {
	qa := newTestAnalyzer(t)

	queries := []string{
		"INSERT INTO metrics (time, value) VALUES (now(), 1)",
		"SELECT * FROM metrics WHERE time > now() - 1h",
		"SELECT * FROM events LIMIT 10",
	}

	deps := qa.AnalyzeDependencies(queries)
	if len(deps) != 1 {
		t.Fatalf("deps = %d, want 1: %+v", len(deps), deps)
	}
	if deps[0].SourceIndex != 0 || deps[0].DependentIndex != 1 {
		t.Errorf("dependency = %+v, want 0 -> 1", deps[0])
	}
	if deps[0].Type != "ddl" {
		t.Errorf("Type = %q, want ddl", deps[0].Type)
	}
}

func TestAnalyzeDependenciesReadsAreIndependent(t *testing.T) {
	qa := newTestAnalyzer(t)

	deps := qa.AnalyzeDependencies([]string{
		"SELECT * FROM metrics LIMIT 10",
		"SELECT COUNT(*) FROM metrics",
	})
	if len(deps) != 0 {
		t.Errorf("two reads over the same table should be independent: %+v", deps)
	}
}

func TestRecordPerformanceBounded(t *testing.T) {
	config := DefaultQueryAnalyzerConfig()
	config.MaxRecordsPerQuery = 5
	qa := NewQueryAnalyzer(config, zap.NewNop())

	query := "SELECT * FROM metrics LIMIT 1"
	for i := 0; i < 20; i++ {
		qa.RecordPerformance(query, &QueryExecutionResult{
			ExecutionTime: time.Duration(i) * time.Millisecond,
			Success:       true,
		})
	}

	records := qa.HistoricalRecords(query)
	if len(records) != 5 {
		t.Fatalf("records = %d, want 5", len(records))
	}
	// Newest records survive.
	if records[len(records)-1].ExecutionTime != 19*time.Millisecond {
		t.Errorf("last record = %v, want 19ms", records[len(records)-1].ExecutionTime)
	}
}

func TestGetStatistics(t *testing.T) {
	qa := newTestAnalyzer(t)

	qa.RecordPerformance("SELECT * FROM a", &QueryExecutionResult{
		ExecutionTime: 100 * time.Millisecond, Success: true,
	})
	qa.RecordPerformance("SELECT * FROM a", &QueryExecutionResult{
		ExecutionTime: 300 * time.Millisecond, Success: false,
	})
	qa.RecordPerformance("SELECT * FROM b", &QueryExecutionResult{
		ExecutionTime: 200 * time.Millisecond, Success: true,
	})

	stats := qa.GetStatistics("", time.Time{})
	if stats.TotalQueries != 3 {
		t.Errorf("TotalQueries = %d, want 3", stats.TotalQueries)
	}
	if stats.AvgExecution != 200*time.Millisecond {
		t.Errorf("AvgExecution = %v, want 200ms", stats.AvgExecution)
	}
	if stats.ErrorRate < 0.33 || stats.ErrorRate > 0.34 {
		t.Errorf("ErrorRate = %v, want ~0.333", stats.ErrorRate)
	}
}

func TestQueryHashStable(t *testing.T) {
	a := queryHash("SELECT * FROM metrics")
	b := queryHash("  select * from METRICS  ")
	if a != b {
		t.Errorf("hash should normalize case and whitespace: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
}
