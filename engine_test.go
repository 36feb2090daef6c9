package querypilot

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) (*Engine, *stubProbe) {
	t.Helper()
	probe := newStubProbe()
	probe.set("replica-1", HealthDetails{CPUUsage: 20, MemoryUsage: 30})

	config := DefaultEngineConfig()
	config.Router.HealthCheckInterval = time.Hour

	e, err := NewEngine(config, EngineOptions{Probe: probe})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	e.RegisterEndpoint("replica-1", EndpointMeta{Role: RoleReplica, Priority: 5})
	return e, probe
}

func TestOptimizeQueryPipeline(t *testing.T) {
	e, _ := newTestEngine(t)

	query := "SELECT * FROM metrics m JOIN hosts h ON m.host_id = h.id WHERE m.time > now() - 1h"
	result, err := e.OptimizeQuery(context.Background(), query, nil)
	if err != nil {
		t.Fatalf("OptimizeQuery() error = %v", err)
	}

	if result.OriginalQuery != query {
		t.Errorf("OriginalQuery = %q", result.OriginalQuery)
	}
	if result.OptimizedQuery == "" {
		t.Error("OptimizedQuery is empty")
	}
	if result.Analysis == nil {
		t.Fatal("Analysis is nil")
	}
	if result.Prediction == nil {
		t.Fatal("Prediction is nil")
	}
	if result.Prediction.EstimatedDuration <= 0 {
		t.Errorf("EstimatedDuration = %v, want > 0", result.Prediction.EstimatedDuration)
	}
	if result.Routing.TargetEndpoint == "" {
		t.Error("Routing.TargetEndpoint is empty")
	}
	if len(result.Plan.Steps) == 0 {
		t.Error("Plan has no steps")
	}
	if result.Plan.EstimatedDuration <= 0 {
		t.Errorf("Plan.EstimatedDuration = %v, want > 0", result.Plan.EstimatedDuration)
	}
	if result.CacheHit {
		t.Error("first pass should not be a cache hit")
	}
	if e.Stats().QueriesOptimized != 1 {
		t.Errorf("QueriesOptimized = %d, want 1", e.Stats().QueriesOptimized)
	}
}

func TestOptimizeQueryCacheHit(t *testing.T) {
	e, _ := newTestEngine(t)

	query := "SELECT * FROM metrics m JOIN hosts h ON m.host_id = h.id WHERE m.time > now() - 1h"
	first, err := e.OptimizeQuery(context.Background(), query, nil)
	if err != nil {
		t.Fatalf("first OptimizeQuery() error = %v", err)
	}
	if first.Confidence < 30 {
		t.Fatalf("Confidence = %.1f, too low to be cached", first.Confidence)
	}

	second, err := e.OptimizeQuery(context.Background(), query, nil)
	if err != nil {
		t.Fatalf("second OptimizeQuery() error = %v", err)
	}
	if !second.CacheHit {
		t.Fatal("second pass should be a cache hit")
	}
	if len(second.Techniques) == 0 || second.Techniques[0].Name != "Cache Hit" {
		t.Errorf("cache hit technique missing, got %+v", second.Techniques)
	}
	if second.OptimizedQuery != first.OptimizedQuery {
		t.Errorf("cached OptimizedQuery = %q, want %q", second.OptimizedQuery, first.OptimizedQuery)
	}

	e.ClearCache()
	third, err := e.OptimizeQuery(context.Background(), query, nil)
	if err != nil {
		t.Fatalf("third OptimizeQuery() error = %v", err)
	}
	if third.CacheHit {
		t.Error("ClearCache() did not drop the cached result")
	}
}

func TestOptimizeQueryDisableCaching(t *testing.T) {
	e, _ := newTestEngine(t)

	query := "SELECT * FROM metrics m JOIN hosts h ON m.host_id = h.id"
	qctx := &QueryContext{DisableCaching: true, Timestamp: time.Now()}
	if _, err := e.OptimizeQuery(context.Background(), query, qctx); err != nil {
		t.Fatalf("OptimizeQuery() error = %v", err)
	}
	result, err := e.OptimizeQuery(context.Background(), query, qctx)
	if err != nil {
		t.Fatalf("OptimizeQuery() error = %v", err)
	}
	if result.CacheHit {
		t.Error("caching disabled, but got a cache hit")
	}
}

func TestOptimizeQueriesOrderAndDependencies(t *testing.T) {
	e, _ := newTestEngine(t)

	queries := []string{
		"INSERT INTO metrics (time, value) VALUES (now(), 1)",
		"SELECT * FROM metrics WHERE time > now() - 1h",
		"SELECT count(*) FROM events",
	}
	results, err := e.OptimizeQueries(context.Background(), queries, nil)
	if err != nil {
		t.Fatalf("OptimizeQueries() error = %v", err)
	}
	if len(results) != len(queries) {
		t.Fatalf("results = %d, want %d", len(results), len(queries))
	}
	for i, r := range results {
		if r == nil {
			t.Fatalf("results[%d] is nil", i)
		}
		if r.OriginalQuery != queries[i] {
			t.Errorf("results[%d].OriginalQuery = %q, want %q", i, r.OriginalQuery, queries[i])
		}
	}
}

func TestOptimizeQueriesEmpty(t *testing.T) {
	e, _ := newTestEngine(t)
	results, err := e.OptimizeQueries(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("OptimizeQueries() error = %v", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
}

func TestOptimizeQueryCancelledContext(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.OptimizeQuery(ctx, "SELECT 1", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestLearnFromQueryFansOut(t *testing.T) {
	e, _ := newTestEngine(t)

	var hookCalls int
	e.learnHook = func(string, *QueryExecutionResult) { hookCalls++ }

	query := "SELECT * FROM metrics WHERE time > now() - 1h"
	e.LearnFromQuery(query, &QueryExecutionResult{
		ExecutionTime: 120 * time.Millisecond,
		RowsAffected:  500,
		Success:       true,
	}, nil)

	stats := e.Stats()
	if stats.ExecutionsLearned != 1 {
		t.Errorf("ExecutionsLearned = %d, want 1", stats.ExecutionsLearned)
	}
	if stats.TrainingSamples != 1 {
		t.Errorf("TrainingSamples = %d, want 1", stats.TrainingSamples)
	}
	if hookCalls != 1 {
		t.Errorf("hookCalls = %d, want 1", hookCalls)
	}
	if got := e.GetQueryStats("", time.Time{}); got.TotalQueries != 1 {
		t.Errorf("TotalQueries = %d, want 1", got.TotalQueries)
	}
}

func TestHistoryEntryLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)

	query := "SELECT * FROM metrics m JOIN hosts h ON m.host_id = h.id"
	if _, err := e.OptimizeQuery(context.Background(), query, nil); err != nil {
		t.Fatalf("OptimizeQuery() error = %v", err)
	}

	entries := e.GetOptimizationHistory(nil, 10, 0)
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	id := entries[0].ID

	entry, err := e.GetHistoryEntry(id)
	if err != nil {
		t.Fatalf("GetHistoryEntry() error = %v", err)
	}
	if entry.OriginalQuery != query {
		t.Errorf("OriginalQuery = %q", entry.OriginalQuery)
	}

	err = e.UpdateExecutionPerformance(id, &QueryExecutionResult{
		ExecutionTime: 80 * time.Millisecond,
		Success:       true,
	})
	if err != nil {
		t.Fatalf("UpdateExecutionPerformance() error = %v", err)
	}
	if e.Stats().ExecutionsLearned != 1 {
		t.Errorf("ExecutionsLearned = %d, want 1", e.Stats().ExecutionsLearned)
	}

	if err := e.AddUserFeedback(id, UserFeedback{Rating: 4, Helpful: true}); err != nil {
		t.Fatalf("AddUserFeedback() error = %v", err)
	}
	entry, _ = e.GetHistoryEntry(id)
	if entry.Feedback == nil || entry.Feedback.Rating != 4 {
		t.Errorf("Feedback = %+v, want rating 4", entry.Feedback)
	}

	if _, err := e.GetHistoryEntry("missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("GetHistoryEntry(missing) error = %v, want ErrEntryNotFound", err)
	}
	if err := e.UpdateExecutionPerformance("missing", &QueryExecutionResult{}); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("UpdateExecutionPerformance(missing) error = %v, want ErrEntryNotFound", err)
	}
	if err := e.AddUserFeedback("missing", UserFeedback{}); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("AddUserFeedback(missing) error = %v, want ErrEntryNotFound", err)
	}
}

func TestEngineExportImportHistory(t *testing.T) {
	e, _ := newTestEngine(t)

	query := "SELECT * FROM metrics m JOIN hosts h ON m.host_id = h.id"
	if _, err := e.OptimizeQuery(context.Background(), query, nil); err != nil {
		t.Fatalf("OptimizeQuery() error = %v", err)
	}

	blob, err := e.ExportOptimizationHistory(ExportOptions{Format: ExportFormatSnappy})
	if err != nil {
		t.Fatalf("ExportOptimizationHistory() error = %v", err)
	}

	e.ClearOptimizationHistory()
	if size := e.Stats().HistorySize; size != 0 {
		t.Fatalf("HistorySize after clear = %d, want 0", size)
	}

	accepted, err := e.ImportOptimizationHistory(blob, "")
	if err != nil {
		t.Fatalf("ImportOptimizationHistory() error = %v", err)
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want 1", accepted)
	}
	if size := e.Stats().HistorySize; size != 1 {
		t.Errorf("HistorySize = %d, want 1", size)
	}
}

func TestGetOptimizationRecommendations(t *testing.T) {
	e, _ := newTestEngine(t)

	recs := e.GetOptimizationRecommendations(
		"SELECT * FROM metrics WHERE host = 'web-1' AND time > now() - 1h", nil)
	if len(recs) == 0 {
		t.Fatal("expected recommendations for unindexed filter column")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].EstimatedBenefit > recs[i-1].EstimatedBenefit {
			t.Errorf("recommendations not sorted by benefit at %d", i)
		}
	}
	if len(recs) > e.config.MaxRecommendations {
		t.Errorf("recommendations = %d, exceeds limit %d", len(recs), e.config.MaxRecommendations)
	}
}

func TestEngineMLSurface(t *testing.T) {
	e, _ := newTestEngine(t)

	info := e.GetMLModelInfo()
	if len(info) != 3 {
		t.Fatalf("models = %d, want 3", len(info))
	}
	metrics := e.GetMLModelMetrics()
	if len(metrics) != 3 {
		t.Fatalf("model metrics = %d, want 3", len(metrics))
	}

	for i := 0; i < 3; i++ {
		e.AddMLTrainingData(MLTrainingEntry{
			Query:         "SELECT * FROM metrics",
			ExecutionTime: 100,
			Success:       true,
			Timestamp:     time.Now(),
		})
	}
	if got := e.Stats().TrainingSamples; got != 3 {
		t.Errorf("TrainingSamples = %d, want 3", got)
	}
	e.TrainMLModels(nil) // below the minimum, must not panic
}

func TestEngineClosedRejectsWork(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, err := e.OptimizeQuery(context.Background(), "SELECT 1", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("OptimizeQuery after close: error = %v, want ErrClosed", err)
	}
	if _, err := e.OptimizeQueries(context.Background(), []string{"SELECT 1"}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("OptimizeQueries after close: error = %v, want ErrClosed", err)
	}
}

func TestEndpointHealthThroughEngine(t *testing.T) {
	e, _ := newTestEngine(t)

	health, err := e.EndpointHealth("replica-1")
	if err != nil {
		t.Fatalf("EndpointHealth() error = %v", err)
	}
	if !health.Healthy {
		t.Error("replica-1 should be healthy")
	}

	e.UnregisterEndpoint("replica-1")
	if _, err := e.EndpointHealth("replica-1"); !errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("error = %v, want ErrEndpointNotFound", err)
	}
}
