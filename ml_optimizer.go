package querypilot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MLModelType classifies a scoring model.
type MLModelType string

const (
	ModelRegression     MLModelType = "regression"
	ModelClassification MLModelType = "classification"
	ModelClustering     MLModelType = "clustering"
	ModelReinforcement  MLModelType = "reinforcement"
)

// MLModelInfo is the metadata for one registered model. Models are created
// at engine start with seed hyperparameters and are never deleted, only
// deactivated.
type MLModelInfo struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Type            MLModelType        `json:"type"`
	Version         string             `json:"version"`
	Accuracy        float64            `json:"accuracy"`
	TrainingSamples int                `json:"training_samples"`
	Features        []string           `json:"features"`
	Hyperparameters map[string]float64 `json:"hyperparameters"`
	LastTrained     time.Time          `json:"last_trained,omitzero"`
	Active          bool               `json:"active"`
}

// AlternativeQuery is a non-primary rewrite candidate.
type AlternativeQuery struct {
	Query       string  `json:"query"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// MLPrediction is the ensemble output of the ML optimizer.
type MLPrediction struct {
	OptimizedQuery string                  `json:"optimized_query"`
	Confidence     float64                 `json:"confidence"`
	Techniques     []OptimizationTechnique `json:"techniques"`
	Reasoning      []string                `json:"reasoning"`
	Alternatives   []AlternativeQuery      `json:"alternatives"`
}

// MLTrainingEntry is one observation for model training.
type MLTrainingEntry struct {
	Query          string        `json:"query"`
	OptimizedQuery string        `json:"optimized_query"`
	Features       FeatureVector `json:"features"`
	ExecutionTime  float64       `json:"execution_time"` // milliseconds
	Improvement    float64       `json:"improvement"`    // percent
	Success        bool          `json:"success"`
	Timestamp      time.Time     `json:"timestamp"`
}

// scoredPrediction is one model's candidate before ensemble merge.
type scoredPrediction struct {
	optimizedQuery string
	confidence     float64
	techniques     []OptimizationTechnique
	reasoning      []string
}

// ScoringModel is the shared capability of all model variants regardless of
// internal scoring method.
type ScoringModel interface {
	Name() string
	Type() MLModelType
	Score(query string, analysis *QueryAnalysis, features *FeatureVector) scoredPrediction
}

// weightedSumModel scores rewrites with a linear weighted sum (regression).
type weightedSumModel struct {
	weights map[string]float64
}

func newWeightedSumModel() *weightedSumModel {
	return &weightedSumModel{
		weights: map[string]float64{
			"missing_limit":   0.30,
			"join_count":      0.12,
			"aggregation":     0.08,
			"data_volume":     0.05,
			"high_complexity": 0.10,
		},
	}
}

func (m *weightedSumModel) Name() string      { return "weighted_rewrite" }
func (m *weightedSumModel) Type() MLModelType { return ModelRegression }

func (m *weightedSumModel) Score(query string, analysis *QueryAnalysis, features *FeatureVector) scoredPrediction {
	p := analysis.Pattern()
	result := scoredPrediction{
		optimizedQuery: query,
		confidence:     0.5,
		techniques:     make([]OptimizationTechnique, 0),
		reasoning:      make([]string, 0),
	}

	score := 0.0
	if p.Kind == KindSelect && p.Limit == 0 {
		score += m.weights["missing_limit"]
		result.optimizedQuery = appendLimit(query, 1000)
		result.techniques = append(result.techniques, OptimizationTechnique{
			Name:          "learned_limit",
			Description:   "Append a protective LIMIT learned from workload behavior",
			Impact:        ImpactMedium,
			AppliedTo:     []string{"limit"},
			EstimatedGain: 25,
		})
		result.reasoning = append(result.reasoning, "Historical workloads show unbounded selects dominate slow queries")
	}
	score += m.weights["join_count"] * features.JoinCount
	score += m.weights["aggregation"] * features.AggregationCount
	score += m.weights["data_volume"] * features.DataVolume
	if features.ComplexityScore > 100 {
		score += m.weights["high_complexity"]
	}

	result.confidence = clamp01(0.5 + score/2)
	return result
}

// thresholdRuleModel applies hard structural rules (classification).
type thresholdRuleModel struct{}

func (m *thresholdRuleModel) Name() string      { return "structural_rules" }
func (m *thresholdRuleModel) Type() MLModelType { return ModelClassification }

func (m *thresholdRuleModel) Score(query string, analysis *QueryAnalysis, features *FeatureVector) scoredPrediction {
	result := scoredPrediction{
		optimizedQuery: query,
		confidence:     0.55,
		techniques:     make([]OptimizationTechnique, 0),
		reasoning:      make([]string, 0),
	}

	if features.JoinCount >= 3 {
		result.techniques = append(result.techniques, OptimizationTechnique{
			Name:          "join_decomposition",
			Description:   "Split multi-join query into staged lookups",
			Impact:        ImpactHigh,
			AppliedTo:     []string{"join"},
			EstimatedGain: 35,
		})
		result.reasoning = append(result.reasoning, "Join count crossed the decomposition threshold")
		result.confidence = 0.7
	}
	if features.ConditionCount == 0 && features.TableCount > 0 {
		result.techniques = append(result.techniques, OptimizationTechnique{
			Name:          "filter_injection",
			Description:   "Unfiltered scan detected, a predicate on an indexed column is recommended",
			Impact:        ImpactMedium,
			AppliedTo:     []string{"where"},
			EstimatedGain: 20,
		})
		result.reasoning = append(result.reasoning, "Full scans classify into the slowest workload cluster")
	}
	return result
}

// simulatedRLModel keeps per-action values updated by reward feedback
// (simulated reinforcement learning).
type simulatedRLModel struct {
	actionValues map[string]float64
	epsilon      float64
	mu           sync.RWMutex
}

func newSimulatedRLModel() *simulatedRLModel {
	return &simulatedRLModel{
		actionValues: map[string]float64{
			"keep":           0.5,
			"tighten_range":  0.6,
			"bucket_groupby": 0.55,
		},
		epsilon: 0.1,
	}
}

func (m *simulatedRLModel) Name() string      { return "reward_policy" }
func (m *simulatedRLModel) Type() MLModelType { return ModelReinforcement }

func (m *simulatedRLModel) Score(query string, analysis *QueryAnalysis, features *FeatureVector) scoredPrediction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := scoredPrediction{
		optimizedQuery: query,
		confidence:     0.5,
		techniques:     make([]OptimizationTechnique, 0),
		reasoning:      make([]string, 0),
	}

	best, bestValue := "keep", m.actionValues["keep"]
	for action, value := range m.actionValues {
		if value > bestValue {
			best, bestValue = action, value
		}
	}

	switch best {
	case "tighten_range":
		if features.HasTimeRange == 0 && analysis.Pattern().Kind == KindSelect {
			result.optimizedQuery = appendTimeFilter(query)
			result.techniques = append(result.techniques, OptimizationTechnique{
				Name:          "time_range_injection",
				Description:   "Constrain the query to a recent time window",
				Impact:        ImpactHigh,
				AppliedTo:     []string{"time_range"},
				EstimatedGain: 40,
			})
			result.reasoning = append(result.reasoning, "Reward policy favors bounded time windows")
			result.confidence = clamp01(bestValue)
		}
	case "bucket_groupby":
		if features.AggregationCount > 0 && features.GroupByCount == 0 {
			result.techniques = append(result.techniques, OptimizationTechnique{
				Name:          "time_bucketing",
				Description:   "Group aggregates into time buckets for incremental evaluation",
				Impact:        ImpactMedium,
				AppliedTo:     []string{"group_by"},
				EstimatedGain: 22,
			})
			result.reasoning = append(result.reasoning, "Reward policy favors bucketed aggregation")
			result.confidence = clamp01(bestValue)
		}
	}
	return result
}

// reward nudges the action-value table from observed improvements.
func (m *simulatedRLModel) reward(improvement float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := improvement / 100.0 * 0.1
	for action := range m.actionValues {
		if action == "keep" {
			continue
		}
		v := m.actionValues[action] + delta
		m.actionValues[action] = clamp01(v)
	}
}

func appendLimit(query string, limit int) string {
	trimmed := strings.TrimRight(strings.TrimSpace(query), ";")
	return fmt.Sprintf("%s LIMIT %d", trimmed, limit)
}

func appendTimeFilter(query string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(query), ";")
	if reWhere.MatchString(trimmed) {
		return trimmed
	}
	// Insert before trailing clauses when present, otherwise append.
	for _, clause := range []string{" GROUP BY ", " ORDER BY ", " LIMIT "} {
		if idx := strings.Index(strings.ToUpper(trimmed), clause); idx >= 0 {
			return trimmed[:idx] + " WHERE time > now() - 1h" + trimmed[idx:]
		}
	}
	return trimmed + " WHERE time > now() - 1h"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// MLOptimizerConfig configures the ML optimizer.
type MLOptimizerConfig struct {
	// MaxTrainingEntries bounds the FIFO training buffer.
	MaxTrainingEntries int

	// TrainEveryN triggers retraining after this many additions.
	TrainEveryN int

	// MinTrainingEntries gates training; below this TrainModels is a no-op.
	MinTrainingEntries int

	// AccuracyCeiling caps model accuracy growth during training.
	AccuracyCeiling float64
}

// DefaultMLOptimizerConfig returns default configuration.
func DefaultMLOptimizerConfig() MLOptimizerConfig {
	return MLOptimizerConfig{
		MaxTrainingEntries: 50000,
		TrainEveryN:        1000,
		MinTrainingEntries: 100,
		AccuracyCeiling:    0.95,
	}
}

type registeredModel struct {
	info MLModelInfo
	impl ScoringModel
}

// MLOptimizer maintains a fixed registry of scoring models and combines
// their rewrite candidates into one confidence-weighted prediction.
// Failures are isolated per call and never propagate to the caller.
type MLOptimizer struct {
	config MLOptimizerConfig
	logger *zap.Logger

	models   []*registeredModel
	modelsMu sync.RWMutex

	training    []MLTrainingEntry
	trainingMu  sync.Mutex
	addsSinceTr int
}

// NewMLOptimizer creates the optimizer with its seed model registry.
func NewMLOptimizer(config MLOptimizerConfig, logger *zap.Logger) *MLOptimizer {
	if config.MaxTrainingEntries <= 0 {
		config = DefaultMLOptimizerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mo := &MLOptimizer{
		config:   config,
		logger:   logger,
		training: make([]MLTrainingEntry, 0),
	}

	seed := []ScoringModel{
		newWeightedSumModel(),
		&thresholdRuleModel{},
		newSimulatedRLModel(),
	}
	hyper := []map[string]float64{
		{"learning_rate": 0.05, "regularization": 0.01},
		{"join_threshold": 3, "scan_penalty": 1.0},
		{"epsilon": 0.1, "discount": 0.9},
	}
	for i, impl := range seed {
		mo.models = append(mo.models, &registeredModel{
			impl: impl,
			info: MLModelInfo{
				ID:              fmt.Sprintf("model_%s", impl.Name()),
				Name:            impl.Name(),
				Type:            impl.Type(),
				Version:         "1.0.0",
				Accuracy:        0.6,
				Features:        featureNames,
				Hyperparameters: hyper[i],
				Active:          true,
			},
		})
	}
	return mo
}

// OptimizeQuery runs the model ensemble over an analyzed query. The set of
// invoked models depends on the feature-derived complexity tier.
func (mo *MLOptimizer) OptimizeQuery(query string, analysis *QueryAnalysis, ctx *QueryContext) (prediction *MLPrediction) {
	defer func() {
		if r := recover(); r != nil {
			mo.logger.Warn("ml optimization failed", zap.Any("cause", r))
			prediction = &MLPrediction{
				OptimizedQuery: query,
				Confidence:     0.3,
				Techniques:     []OptimizationTechnique{},
				Reasoning:      []string{"ML optimization failed, original query returned unchanged"},
				Alternatives:   []AlternativeQuery{},
			}
		}
	}()

	features := extractFeatures(analysis, ctx, nil)

	mo.modelsMu.RLock()
	active := make([]*registeredModel, 0, len(mo.models))
	for _, m := range mo.models {
		if m.info.Active {
			active = append(active, m)
		}
	}
	mo.modelsMu.RUnlock()

	var selected []*registeredModel
	switch features.tier() {
	case tierLow:
		selected = active[:min(1, len(active))]
	case tierMedium:
		selected = active[:min(2, len(active))]
	default:
		selected = active
	}

	if len(selected) == 0 {
		return &MLPrediction{
			OptimizedQuery: query,
			Confidence:     0.3,
			Techniques:     []OptimizationTechnique{},
			Reasoning:      []string{"No active models available"},
			Alternatives:   []AlternativeQuery{},
		}
	}

	candidates := make([]scoredPrediction, 0, len(selected))
	for _, m := range selected {
		candidates = append(candidates, m.impl.Score(query, analysis, &features))
	}

	return mergeCandidates(query, candidates)
}

// mergeCandidates combines per-model candidates: the most confident model
// supplies the rewrite, confidence is the weighted average, techniques are
// de-duplicated by name keeping the maximum gain, reasoning is unioned.
func mergeCandidates(original string, candidates []scoredPrediction) *MLPrediction {
	best := 0
	var confidenceSum, weightSum float64
	for i, c := range candidates {
		if c.confidence > candidates[best].confidence {
			best = i
		}
		confidenceSum += c.confidence * c.confidence
		weightSum += c.confidence
	}

	merged := &MLPrediction{
		OptimizedQuery: candidates[best].optimizedQuery,
		Techniques:     make([]OptimizationTechnique, 0),
		Reasoning:      make([]string, 0),
		Alternatives:   make([]AlternativeQuery, 0),
	}
	if weightSum > 0 {
		merged.Confidence = confidenceSum / weightSum
	}

	byName := make(map[string]OptimizationTechnique)
	seenReason := make(map[string]bool)
	for i, c := range candidates {
		for _, t := range c.techniques {
			if prev, ok := byName[t.Name]; !ok || t.EstimatedGain > prev.EstimatedGain {
				byName[t.Name] = t
			}
		}
		for _, r := range c.reasoning {
			if !seenReason[r] {
				seenReason[r] = true
				merged.Reasoning = append(merged.Reasoning, r)
			}
		}
		if i != best && c.optimizedQuery != original && c.optimizedQuery != merged.OptimizedQuery {
			merged.Alternatives = append(merged.Alternatives, AlternativeQuery{
				Query:       c.optimizedQuery,
				Confidence:  c.confidence,
				Description: "Candidate rewrite from a lower-confidence model",
			})
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		merged.Techniques = append(merged.Techniques, byName[name])
	}

	return merged
}

// AddTrainingData appends an entry to the bounded training buffer and
// triggers a training pass on every TrainEveryN additions.
func (mo *MLOptimizer) AddTrainingData(entry MLTrainingEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	mo.trainingMu.Lock()
	mo.training = append(mo.training, entry)
	if len(mo.training) > mo.config.MaxTrainingEntries {
		mo.training = mo.training[len(mo.training)-mo.config.MaxTrainingEntries:]
	}
	mo.addsSinceTr++
	shouldTrain := mo.addsSinceTr >= mo.config.TrainEveryN
	if shouldTrain {
		mo.addsSinceTr = 0
	}
	mo.trainingMu.Unlock()

	// Feed the reward policy continuously.
	for _, m := range mo.models {
		if rl, ok := m.impl.(*simulatedRLModel); ok && entry.Success {
			rl.reward(entry.Improvement)
		}
	}

	if shouldTrain {
		mo.TrainModels(nil)
	}
}

// TrainModels runs a training pass over the supplied data, or the internal
// buffer when data is nil. With fewer than MinTrainingEntries samples this
// is a silent no-op.
func (mo *MLOptimizer) TrainModels(data []MLTrainingEntry) {
	if data == nil {
		mo.trainingMu.Lock()
		data = make([]MLTrainingEntry, len(mo.training))
		copy(data, mo.training)
		mo.trainingMu.Unlock()
	}
	if len(data) < mo.config.MinTrainingEntries {
		return
	}

	successes := 0
	for _, e := range data {
		if e.Success {
			successes++
		}
	}
	successRate := float64(successes) / float64(len(data))

	mo.modelsMu.Lock()
	for _, m := range mo.models {
		if !m.info.Active {
			continue
		}
		m.info.TrainingSamples = len(data)
		m.info.LastTrained = time.Now()
		// Nudge accuracy toward the ceiling, weighted by observed success.
		gap := mo.config.AccuracyCeiling - m.info.Accuracy
		m.info.Accuracy += gap * 0.1 * successRate
	}
	mo.modelsMu.Unlock()

	mo.logger.Debug("models trained",
		zap.Int("samples", len(data)),
		zap.Float64("success_rate", successRate))
}

// GetModelInfo returns metadata for all registered models.
func (mo *MLOptimizer) GetModelInfo() []MLModelInfo {
	mo.modelsMu.RLock()
	defer mo.modelsMu.RUnlock()
	out := make([]MLModelInfo, 0, len(mo.models))
	for _, m := range mo.models {
		out = append(out, m.info)
	}
	return out
}

// ModelMetrics returns accuracy per model name.
func (mo *MLOptimizer) ModelMetrics() map[string]float64 {
	mo.modelsMu.RLock()
	defer mo.modelsMu.RUnlock()
	out := make(map[string]float64, len(mo.models))
	for _, m := range mo.models {
		out[m.info.Name] = m.info.Accuracy
	}
	return out
}

// SetModelActive toggles a model. Models are never removed from the registry.
func (mo *MLOptimizer) SetModelActive(name string, active bool) error {
	mo.modelsMu.Lock()
	defer mo.modelsMu.Unlock()
	for _, m := range mo.models {
		if m.info.Name == name {
			m.info.Active = active
			return nil
		}
	}
	return fmt.Errorf("model %q: %w", name, ErrEntryNotFound)
}

// TrainingSnapshot returns a copy of the current training buffer.
func (mo *MLOptimizer) TrainingSnapshot() []MLTrainingEntry {
	mo.trainingMu.Lock()
	defer mo.trainingMu.Unlock()
	out := make([]MLTrainingEntry, len(mo.training))
	copy(out, mo.training)
	return out
}

// seedTraining replaces the buffer with restored entries, without
// triggering a retrain.
func (mo *MLOptimizer) seedTraining(entries []MLTrainingEntry) {
	mo.trainingMu.Lock()
	defer mo.trainingMu.Unlock()
	if len(entries) > mo.config.MaxTrainingEntries {
		entries = entries[len(entries)-mo.config.MaxTrainingEntries:]
	}
	mo.training = make([]MLTrainingEntry, len(entries))
	copy(mo.training, entries)
	mo.addsSinceTr = 0
}

// ExportTrainingData serializes the training buffer for persistence.
func (mo *MLOptimizer) ExportTrainingData() ([]byte, error) {
	mo.trainingMu.Lock()
	defer mo.trainingMu.Unlock()
	return json.Marshal(mo.training)
}

// ImportTrainingData merges previously exported entries into the buffer.
// Invalid entries are dropped; the accepted count is returned.
func (mo *MLOptimizer) ImportTrainingData(data []byte) (int, error) {
	var entries []MLTrainingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("decode training data: %w", ErrInvalidImport)
	}

	accepted := 0
	mo.trainingMu.Lock()
	for _, e := range entries {
		if e.Query == "" {
			continue
		}
		mo.training = append(mo.training, e)
		accepted++
	}
	if len(mo.training) > mo.config.MaxTrainingEntries {
		mo.training = mo.training[len(mo.training)-mo.config.MaxTrainingEntries:]
	}
	mo.trainingMu.Unlock()
	return accepted, nil
}

// TrainingDataCount returns the current training buffer size.
func (mo *MLOptimizer) TrainingDataCount() int {
	mo.trainingMu.Lock()
	defer mo.trainingMu.Unlock()
	return len(mo.training)
}
