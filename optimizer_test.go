package querypilot

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestOptimizer(t *testing.T) (*QueryOptimizer, *QueryAnalyzer) {
	t.Helper()
	logger := zap.NewNop()
	ml := NewMLOptimizer(DefaultMLOptimizerConfig(), logger)
	return NewQueryOptimizer(DefaultQueryOptimizerConfig(), ml, logger), newTestAnalyzer(t)
}

func TestOptimizeAppliesJoinRules(t *testing.T) {
	qo, qa := newTestOptimizer(t)

	query := "SELECT a.x FROM a " +
		"JOIN b ON a.id = b.aid " +
		"JOIN c ON b.id = c.bid " +
		"WHERE a.x > 10"
	analysis := qa.Analyze(query, nil)
	result := qo.Optimize(query, analysis, nil)

	names := map[string]bool{}
	for _, tech := range result.Techniques {
		names[tech.Name] = true
	}
	if !names["predicate_pushdown"] {
		t.Error("expected predicate_pushdown technique")
	}
	if !names["join_reordering"] {
		t.Error("expected join_reordering technique")
	}
	if result.EstimatedImprovement <= 0 {
		t.Error("expected positive estimated improvement")
	}
	if result.EstimatedImprovement > 95 {
		t.Errorf("improvement %v exceeds cap", result.EstimatedImprovement)
	}
	if result.Confidence <= 0 || result.Confidence > 100 {
		t.Errorf("confidence %v out of range", result.Confidence)
	}
}

func TestOptimizeImprovementCapped(t *testing.T) {
	qo, qa := newTestOptimizer(t)

	// A query that hits many rules plus ML techniques.
	query := "SELECT region, COUNT(value) FROM metrics " +
		"JOIN hosts ON metrics.host = hosts.id " +
		"JOIN racks ON hosts.rack = racks.id " +
		"WHERE value > 0 GROUP BY region LIMIT 10"
	analysis := qa.Analyze(query, nil)
	result := qo.Optimize(query, analysis, nil)

	if result.EstimatedImprovement > 95 {
		t.Errorf("improvement %v exceeds 95 cap", result.EstimatedImprovement)
	}
}

func TestTimeRangeNormalization(t *testing.T) {
	qo, qa := newTestOptimizer(t)

	query := "SELECT * FROM metrics WHERE time > now() - 2 hours LIMIT 5"
	analysis := qa.Analyze(query, nil)
	result := qo.Optimize(query, analysis, nil)

	if !strings.Contains(result.Query, "now() - 2h") {
		t.Errorf("expected normalized time expression, got %q", result.Query)
	}
	found := false
	for _, tech := range result.Techniques {
		if tech.Name == "time_range_normalization" {
			found = true
		}
	}
	if !found {
		t.Error("expected time_range_normalization technique")
	}
}

func TestGenerateStepsForwardOnlyDependencies(t *testing.T) {
	qo, qa := newTestOptimizer(t)

	query := "SELECT region, AVG(value) FROM metrics " +
		"JOIN hosts ON metrics.host = hosts.id " +
		"WHERE time > now() - 1h GROUP BY region ORDER BY region LIMIT 100"
	analysis := qa.Analyze(query, nil)
	steps := qo.GenerateSteps(query, analysis)

	if len(steps) == 0 {
		t.Fatal("expected execution steps")
	}

	seen := map[string]bool{}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				t.Errorf("step %s depends on %s which is not an earlier step", s.ID, dep)
			}
		}
		seen[s.ID] = true
	}

	if steps[0].Operation != OpTableScan {
		t.Errorf("first step = %v, want %v", steps[0].Operation, OpTableScan)
	}
	last := steps[len(steps)-1]
	if last.Operation != OpLimit {
		t.Errorf("last step = %v, want %v", last.Operation, OpLimit)
	}
}

func TestAnalyzeParallelization(t *testing.T) {
	qo, qa := newTestOptimizer(t)

	query := "SELECT a.x FROM a JOIN b ON a.id = b.aid WHERE a.x > 1"
	analysis := qa.Analyze(query, nil)
	steps := qo.GenerateSteps(query, analysis)
	info := qo.AnalyzeParallelization(steps)

	if info.MaxParallelism < 1 {
		t.Errorf("MaxParallelism = %d, want >= 1", info.MaxParallelism)
	}

	grouped := 0
	for _, g := range info.ParallelGroups {
		grouped += len(g)
	}
	if grouped != len(steps) {
		t.Errorf("parallel groups cover %d steps, want %d", grouped, len(steps))
	}
}

func TestCalculateResourceRequirements(t *testing.T) {
	qo, qa := newTestOptimizer(t)

	query := "SELECT region, AVG(value) FROM metrics " +
		"JOIN hosts ON metrics.host = hosts.id GROUP BY region"
	analysis := qa.Analyze(query, nil)
	steps := qo.GenerateSteps(query, analysis)

	req := qo.CalculateResourceRequirements(steps, nil)
	if req.MinMemoryMB <= 0 || req.MaxMemoryMB < req.MinMemoryMB {
		t.Errorf("memory bounds invalid: min=%v max=%v", req.MinMemoryMB, req.MaxMemoryMB)
	}
	if !req.IOIntensive {
		t.Error("query with table scans should be IO intensive")
	}
}

func TestRecommendIndexesSkipsTimeColumn(t *testing.T) {
	qo, qa := newTestOptimizer(t)

	query := "SELECT * FROM metrics WHERE time > now() - 1h AND host = 'web-1' LIMIT 10"
	analysis := qa.Analyze(query, nil)
	recs := qo.RecommendIndexes(analysis, nil)

	for _, r := range recs {
		if strings.Contains(r.Title, "time") && !strings.Contains(r.Title, "host") {
			t.Errorf("should not recommend an index on the time column: %+v", r)
		}
	}

	foundHost := false
	for _, r := range recs {
		if strings.Contains(r.Description, "host") || strings.Contains(r.Title, "host") {
			foundHost = true
		}
	}
	if !foundHost {
		t.Errorf("expected an index recommendation for host, got %+v", recs)
	}
}

func TestRecommendRewrites(t *testing.T) {
	qo, qa := newTestOptimizer(t)

	query := "SELECT * FROM metrics LIMIT 10"
	analysis := qa.Analyze(query, nil)
	recs := qo.RecommendRewrites(query, analysis)

	found := false
	for _, r := range recs {
		if strings.Contains(r.Description, "SELECT *") || strings.Contains(r.Title, "SELECT *") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a SELECT * rewrite recommendation, got %+v", recs)
	}
}

func TestSortRecommendations(t *testing.T) {
	recs := []Recommendation{
		{Title: "low", EstimatedBenefit: 5},
		{Title: "high", EstimatedBenefit: 40},
		{Title: "mid", EstimatedBenefit: 20},
	}
	sortRecommendations(recs)
	if recs[0].Title != "high" || recs[2].Title != "low" {
		t.Errorf("recommendations not sorted by benefit: %+v", recs)
	}
}
