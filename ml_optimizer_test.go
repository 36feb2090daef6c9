package querypilot

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestMLOptimizer(t *testing.T) *MLOptimizer {
	t.Helper()
	return NewMLOptimizer(DefaultMLOptimizerConfig(), zap.NewNop())
}

func TestMLOptimizeQueryReturnsPrediction(t *testing.T) {
	mo := newTestMLOptimizer(t)
	qa := newTestAnalyzer(t)

	query := "SELECT region, AVG(value) FROM metrics " +
		"JOIN hosts ON metrics.host = hosts.id GROUP BY region"
	analysis := qa.Analyze(query, nil)
	pred := mo.OptimizeQuery(query, analysis, nil)

	if pred == nil {
		t.Fatal("OptimizeQuery() returned nil")
	}
	if pred.OptimizedQuery == "" {
		t.Error("expected a non-empty optimized query")
	}
	if pred.Confidence <= 0 || pred.Confidence > 1 {
		t.Errorf("Confidence = %v, want (0, 1]", pred.Confidence)
	}
}

func TestMLTechniquesDedupedAndSorted(t *testing.T) {
	mo := newTestMLOptimizer(t)
	qa := newTestAnalyzer(t)

	// Complex enough to select the full ensemble.
	query := "SELECT region, host, AVG(value), MAX(value) FROM metrics " +
		"JOIN hosts ON metrics.host = hosts.id " +
		"JOIN racks ON hosts.rack = racks.id " +
		"JOIN sites ON racks.site = sites.id " +
		"WHERE value > 0 AND region = 'us' GROUP BY region, host ORDER BY region"
	analysis := qa.Analyze(query, nil)
	pred := mo.OptimizeQuery(query, analysis, nil)

	seen := map[string]bool{}
	for i, tech := range pred.Techniques {
		if seen[tech.Name] {
			t.Errorf("duplicate technique %q", tech.Name)
		}
		seen[tech.Name] = true
		if i > 0 && pred.Techniques[i-1].Name > tech.Name {
			t.Errorf("techniques not sorted by name: %q before %q",
				pred.Techniques[i-1].Name, tech.Name)
		}
	}
}

func TestAddTrainingDataBounded(t *testing.T) {
	config := DefaultMLOptimizerConfig()
	config.MaxTrainingEntries = 10
	config.TrainEveryN = 1000
	mo := NewMLOptimizer(config, zap.NewNop())

	for i := 0; i < 25; i++ {
		mo.AddTrainingData(MLTrainingEntry{
			Query:         "SELECT * FROM metrics",
			ExecutionTime: float64(i),
			Success:       true,
		})
	}

	if got := mo.TrainingDataCount(); got != 10 {
		t.Errorf("TrainingDataCount = %d, want 10", got)
	}
	// Oldest entries are evicted first.
	buf := mo.TrainingSnapshot()
	if buf[0].ExecutionTime != 15 {
		t.Errorf("oldest surviving entry = %v, want 15", buf[0].ExecutionTime)
	}
}

func TestTrainModelsBelowMinimumIsNoOp(t *testing.T) {
	mo := newTestMLOptimizer(t)

	before := mo.GetModelInfo()
	mo.TrainModels([]MLTrainingEntry{{Query: "SELECT 1", Success: true}})
	after := mo.GetModelInfo()

	for i := range before {
		if before[i].Accuracy != after[i].Accuracy {
			t.Errorf("model %s accuracy changed on insufficient data", before[i].Name)
		}
		if !after[i].LastTrained.IsZero() {
			t.Errorf("model %s marked trained on insufficient data", after[i].Name)
		}
	}
}

func TestTrainModelsImprovesAccuracy(t *testing.T) {
	config := DefaultMLOptimizerConfig()
	config.MinTrainingEntries = 5
	mo := NewMLOptimizer(config, zap.NewNop())

	data := make([]MLTrainingEntry, 10)
	for i := range data {
		data[i] = MLTrainingEntry{
			Query:       "SELECT * FROM metrics",
			Improvement: 20,
			Success:     true,
			Timestamp:   time.Now(),
		}
	}

	before := mo.GetModelInfo()
	mo.TrainModels(data)
	after := mo.GetModelInfo()

	for i := range after {
		if after[i].Accuracy <= before[i].Accuracy {
			t.Errorf("model %s accuracy did not improve: %v -> %v",
				after[i].Name, before[i].Accuracy, after[i].Accuracy)
		}
		if after[i].Accuracy > config.AccuracyCeiling {
			t.Errorf("model %s accuracy %v exceeds ceiling", after[i].Name, after[i].Accuracy)
		}
		if after[i].TrainingSamples != 10 {
			t.Errorf("TrainingSamples = %d, want 10", after[i].TrainingSamples)
		}
	}
}

func TestSetModelActive(t *testing.T) {
	mo := newTestMLOptimizer(t)

	if err := mo.SetModelActive("weighted_rewrite", false); err != nil {
		t.Fatalf("SetModelActive() error = %v", err)
	}

	for _, info := range mo.GetModelInfo() {
		if info.Name == "weighted_rewrite" && info.Active {
			t.Error("model should be inactive")
		}
	}

	if err := mo.SetModelActive("no_such_model", false); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("error = %v, want ErrEntryNotFound", err)
	}
}

func TestExportImportTrainingData(t *testing.T) {
	mo := newTestMLOptimizer(t)
	mo.AddTrainingData(MLTrainingEntry{Query: "SELECT * FROM a", Success: true})
	mo.AddTrainingData(MLTrainingEntry{Query: "SELECT * FROM b", Success: false})

	blob, err := mo.ExportTrainingData()
	if err != nil {
		t.Fatalf("ExportTrainingData() error = %v", err)
	}

	other := newTestMLOptimizer(t)
	accepted, err := other.ImportTrainingData(blob)
	if err != nil {
		t.Fatalf("ImportTrainingData() error = %v", err)
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
	if other.TrainingDataCount() != 2 {
		t.Errorf("TrainingDataCount = %d, want 2", other.TrainingDataCount())
	}
}

func TestImportTrainingDataDropsInvalid(t *testing.T) {
	mo := newTestMLOptimizer(t)

	// One valid entry, one with an empty query.
	blob := []byte(`[{"query":"SELECT 1","success":true},{"query":"","success":true}]`)
	accepted, err := mo.ImportTrainingData(blob)
	if err != nil {
		t.Fatalf("ImportTrainingData() error = %v", err)
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want 1", accepted)
	}

	if _, err := mo.ImportTrainingData([]byte("not json")); !errors.Is(err, ErrInvalidImport) {
		t.Errorf("error = %v, want ErrInvalidImport", err)
	}
}
