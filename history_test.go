package querypilot

import (
	"testing"
	"time"
)

func sampleResult(query string, improvement float64) *QueryOptimizationResult {
	return &QueryOptimizationResult{
		OriginalQuery:        query,
		OptimizedQuery:       query,
		EstimatedImprovement: improvement,
		Confidence:           80,
		Techniques: []OptimizationTechnique{
			{Name: "predicate_pushdown", Impact: ImpactHigh, EstimatedGain: improvement},
		},
		Prediction: &PerformancePrediction{
			EstimatedDuration: 200 * time.Millisecond,
			Confidence:        0.8,
		},
		CreatedAt: time.Now(),
	}
}

func TestRecordOptimizationNewestFirst(t *testing.T) {
	oh := NewOptimizationHistory(DefaultOptimizationHistoryConfig())

	first := oh.RecordOptimization(sampleResult("SELECT 1", 10), nil)
	second := oh.RecordOptimization(sampleResult("SELECT 2", 20), nil)

	entries := oh.QueryHistory(nil, 0, 0)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].ID != second || entries[1].ID != first {
		t.Error("entries should be ordered newest first")
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	oh := NewOptimizationHistory(OptimizationHistoryConfig{MaxEntries: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, oh.RecordOptimization(sampleResult("SELECT 1", 10), nil))
	}

	if oh.Size() != 3 {
		t.Fatalf("Size = %d, want 3", oh.Size())
	}
	if _, ok := oh.GetEntry(ids[0]); ok {
		t.Error("oldest entry should be evicted")
	}
	if _, ok := oh.GetEntry(ids[4]); !ok {
		t.Error("newest entry should survive")
	}
}

func TestUpdatePerformanceOnce(t *testing.T) {
	oh := NewOptimizationHistory(DefaultOptimizationHistoryConfig())
	id := oh.RecordOptimization(sampleResult("SELECT 1", 10), nil)

	perf := &QueryExecutionResult{ExecutionTime: 100 * time.Millisecond, Success: true}
	if !oh.UpdatePerformance(id, perf) {
		t.Fatal("first UpdatePerformance should succeed")
	}
	if oh.UpdatePerformance(id, perf) {
		t.Error("second UpdatePerformance should be rejected")
	}
	if oh.UpdatePerformance("no-such-id", perf) {
		t.Error("unknown entry should be rejected")
	}

	entry, _ := oh.GetEntry(id)
	// Predicted 200ms, actual 100ms: 50% realized benefit.
	if entry.Metadata.ActualBenefit != 50 {
		t.Errorf("ActualBenefit = %v, want 50", entry.Metadata.ActualBenefit)
	}
}

func TestAddUserFeedbackOnce(t *testing.T) {
	oh := NewOptimizationHistory(DefaultOptimizationHistoryConfig())
	id := oh.RecordOptimization(sampleResult("SELECT 1", 10), nil)

	if !oh.AddUserFeedback(id, UserFeedback{Rating: 4, Helpful: true}) {
		t.Fatal("first AddUserFeedback should succeed")
	}
	if oh.AddUserFeedback(id, UserFeedback{Rating: 1}) {
		t.Error("second AddUserFeedback should be rejected")
	}

	entry, _ := oh.GetEntry(id)
	if entry.Feedback == nil || entry.Feedback.Rating != 4 {
		t.Errorf("Feedback = %+v, want rating 4", entry.Feedback)
	}
	if entry.Feedback.SubmittedAt.IsZero() {
		t.Error("SubmittedAt should be stamped")
	}
}

func TestQueryHistoryFilterAndPagination(t *testing.T) {
	oh := NewOptimizationHistory(DefaultOptimizationHistoryConfig())

	oh.RecordOptimization(sampleResult("SELECT 1", 60), &QueryContext{Endpoint: "a"})
	oh.RecordOptimization(sampleResult("SELECT 2", 10), &QueryContext{Endpoint: "b"})
	oh.RecordOptimization(sampleResult("SELECT 3", 70), &QueryContext{Endpoint: "a"})

	byEndpoint := oh.QueryHistory(&HistoryFilter{Endpoint: "a"}, 0, 0)
	if len(byEndpoint) != 2 {
		t.Errorf("endpoint filter matched %d, want 2", len(byEndpoint))
	}

	byGain := oh.QueryHistory(&HistoryFilter{MinGain: 50}, 0, 0)
	if len(byGain) != 2 {
		t.Errorf("gain filter matched %d, want 2", len(byGain))
	}

	byTag := oh.QueryHistory(&HistoryFilter{Tags: []string{"gain_major"}}, 0, 0)
	if len(byTag) != 2 {
		t.Errorf("tag filter matched %d, want 2", len(byTag))
	}

	paged := oh.QueryHistory(nil, 2, 1)
	if len(paged) != 2 {
		t.Errorf("paged = %d, want 2", len(paged))
	}

	beyond := oh.QueryHistory(nil, 10, 99)
	if len(beyond) != 0 {
		t.Errorf("offset beyond end = %d entries, want 0", len(beyond))
	}
}

func TestHistoryTags(t *testing.T) {
	oh := NewOptimizationHistory(DefaultOptimizationHistoryConfig())

	id := oh.RecordOptimization(sampleResult("SELECT 1", 60), &QueryContext{
		SystemLoad: SystemLoad{CPU: 90},
		DataSize:   &DataSizeInfo{EstimatedRows: 5_000_000},
	})

	entry, _ := oh.GetEntry(id)
	want := map[string]bool{
		"predicate_pushdown": true,
		"impact_high":        true,
		"gain_major":         true,
		"large_dataset":      true,
		"high_load":          true,
	}
	got := map[string]bool{}
	for _, tag := range entry.Tags {
		got[tag] = true
	}
	for tag := range want {
		if !got[tag] {
			t.Errorf("missing tag %q in %v", tag, entry.Tags)
		}
	}
}

func TestGenerateStatistics(t *testing.T) {
	oh := NewOptimizationHistory(DefaultOptimizationHistoryConfig())

	a := oh.RecordOptimization(sampleResult("SELECT 1", 60), nil)
	oh.RecordOptimization(sampleResult("SELECT 2", 30), nil)
	oh.RecordOptimization(sampleResult("SELECT 3", 5), nil)

	oh.UpdatePerformance(a, &QueryExecutionResult{
		ExecutionTime: 100 * time.Millisecond, Success: true,
	})
	oh.AddUserFeedback(a, UserFeedback{Rating: 5})

	stats := oh.GenerateStatistics(nil)
	if stats.TotalEntries != 3 {
		t.Errorf("TotalEntries = %d, want 3", stats.TotalEntries)
	}
	wantAvg := (60.0 + 30.0 + 5.0) / 3.0
	if stats.AvgEstimatedGain < wantAvg-0.01 || stats.AvgEstimatedGain > wantAvg+0.01 {
		t.Errorf("AvgEstimatedGain = %v, want %v", stats.AvgEstimatedGain, wantAvg)
	}
	if stats.GainBuckets["excellent"] != 1 {
		t.Errorf("GainBuckets = %v, want one excellent", stats.GainBuckets)
	}
	if stats.FeedbackCount != 1 || stats.AvgUserRating != 5 {
		t.Errorf("feedback stats = %d/%v, want 1/5", stats.FeedbackCount, stats.AvgUserRating)
	}
	if _, ok := stats.Techniques["predicate_pushdown"]; !ok {
		t.Errorf("Techniques = %v, missing predicate_pushdown", stats.Techniques)
	}
}

func TestFindSimilarQueries(t *testing.T) {
	oh := NewOptimizationHistory(DefaultOptimizationHistoryConfig())

	oh.RecordOptimization(sampleResult("SELECT value FROM metrics WHERE host = 'a'", 10), nil)
	oh.RecordOptimization(sampleResult("SELECT id FROM users", 10), nil)

	similar := oh.FindSimilarQueries("SELECT value FROM metrics WHERE host = 'b'", 5, 0.5)
	if len(similar) != 1 {
		t.Fatalf("similar = %d, want 1", len(similar))
	}
	if similar[0].OriginalQuery != "SELECT value FROM metrics WHERE host = 'a'" {
		t.Errorf("matched %q", similar[0].OriginalQuery)
	}
}

func TestBestAndWorstOptimizations(t *testing.T) {
	oh := NewOptimizationHistory(DefaultOptimizationHistoryConfig())

	good := oh.RecordOptimization(sampleResult("SELECT 1", 50), nil)
	bad := oh.RecordOptimization(sampleResult("SELECT 2", 50), nil)
	oh.RecordOptimization(sampleResult("SELECT 3", 50), nil) // never measured

	oh.UpdatePerformance(good, &QueryExecutionResult{ExecutionTime: 50 * time.Millisecond, Success: true})
	oh.UpdatePerformance(bad, &QueryExecutionResult{ExecutionTime: 400 * time.Millisecond, Success: true})

	best := oh.BestOptimizations(1)
	if len(best) != 1 || best[0].ID != good {
		t.Errorf("BestOptimizations = %v", best)
	}
	worst := oh.WorstOptimizations(1)
	if len(worst) != 1 || worst[0].ID != bad {
		t.Errorf("WorstOptimizations = %v", worst)
	}
}

func TestHistoryMergeValidation(t *testing.T) {
	oh := NewOptimizationHistory(DefaultOptimizationHistoryConfig())
	existing := oh.RecordOptimization(sampleResult("SELECT 1", 10), nil)

	entry, _ := oh.GetEntry(existing)
	accepted := oh.merge([]*OptimizationHistoryEntry{
		nil,
		{ID: "x", OriginalQuery: "", Timestamp: time.Now()},
		{ID: "y", OriginalQuery: "SELECT 2", Timestamp: time.Time{}},
		{ID: entry.ID, OriginalQuery: "SELECT 1", Timestamp: time.Now()},
		{ID: "z", OriginalQuery: "SELECT 3", Timestamp: time.Now()},
	})

	if accepted != 1 {
		t.Errorf("accepted = %d, want 1 (only the new valid entry)", accepted)
	}
	if oh.Size() != 2 {
		t.Errorf("Size = %d, want 2", oh.Size())
	}
}
