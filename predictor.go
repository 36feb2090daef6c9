package querypilot

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// PerformancePrediction is the predictor's estimate for one query.
type PerformancePrediction struct {
	EstimatedDuration       time.Duration `json:"estimated_duration"`
	EstimatedMemoryUsage    float64       `json:"estimated_memory_usage"` // MB
	EstimatedCPUUsage       float64       `json:"estimated_cpu_usage"`
	EstimatedIOOperations   float64       `json:"estimated_io_operations"`
	EstimatedNetworkTraffic float64       `json:"estimated_network_traffic"` // KB
	Confidence              float64       `json:"confidence"`
	Bottlenecks             []string      `json:"bottlenecks"`
	Recommendations         []string      `json:"recommendations"`
	RiskFactors             []string      `json:"risk_factors"`
	Fallback                bool          `json:"fallback,omitempty"`
	PredictedAt             time.Time     `json:"predicted_at"`
}

// PredictionSample is one training observation for the predictor.
type PredictionSample struct {
	Features FeatureVector `json:"features"`
	// ActualDuration is the observed execution time in milliseconds.
	ActualDuration float64   `json:"actual_duration"`
	Timestamp      time.Time `json:"timestamp"`
}

// PredictorMetrics tracks rolling model quality.
type PredictorMetrics struct {
	Accuracy     float64   `json:"accuracy"`
	MAE          float64   `json:"mae"`
	MSE          float64   `json:"mse"`
	SampleCount  int       `json:"sample_count"`
	LastTrained  time.Time `json:"last_trained"`
	RetrainCount int64     `json:"retrain_count"`
}

// PerformancePredictorConfig configures the predictor.
type PerformancePredictorConfig struct {
	// MaxTrainingSamples bounds the FIFO training buffer.
	MaxTrainingSamples int

	// MinTrainingSamples gates retraining.
	MinTrainingSamples int

	// CacheMaxEntries bounds the prediction cache.
	CacheMaxEntries int

	// CacheMinConfidence: cached predictions below this are treated as stale.
	CacheMinConfidence float64

	// MetricsEMAWeight is the weight given to each new observation when
	// folding errors into the rolling metrics.
	MetricsEMAWeight float64
}

// DefaultPerformancePredictorConfig returns default configuration.
func DefaultPerformancePredictorConfig() PerformancePredictorConfig {
	return PerformancePredictorConfig{
		MaxTrainingSamples: 10000,
		MinTrainingSamples: 100,
		CacheMaxEntries:    1000,
		CacheMinConfidence: 0.7,
		MetricsEMAWeight:   0.1,
	}
}

// durationModel is the shared scoring capability of all predictor models.
type durationModel interface {
	name() string
	// predictDuration returns an estimated duration in milliseconds.
	predictDuration(v *FeatureVector) float64
}

// linearDurationModel is a weighted sum over the feature vector.
type linearDurationModel struct {
	weights []float64
	bias    float64
}

func newLinearDurationModel() *linearDurationModel {
	// Seed weights, nudged by retraining.
	return &linearDurationModel{
		weights: []float64{
			8, 40, 4, 12, 6, 5, -10, -4,
			-20, 1.5, 25,
			60, -30, 0,
			-0.5, 0.4,
		},
		bias: 20,
	}
}

func (m *linearDurationModel) name() string { return "linear_regression" }

func (m *linearDurationModel) predictDuration(v *FeatureVector) float64 {
	sum := m.bias
	for i, f := range v.Slice() {
		if i < len(m.weights) {
			sum += m.weights[i] * f
		}
	}
	if sum < 1 {
		sum = 1
	}
	return sum
}

// thresholdDurationModel buckets queries by structural thresholds.
type thresholdDurationModel struct{}

func (m *thresholdDurationModel) name() string { return "threshold_rules" }

func (m *thresholdDurationModel) predictDuration(v *FeatureVector) float64 {
	est := 15.0
	if v.JoinCount >= 3 {
		est += 200
	} else if v.JoinCount > 0 {
		est += 60 * v.JoinCount
	}
	if v.AggregationCount > 0 && v.GroupByCount == 0 {
		est += 40
	}
	if v.DataVolume > 6 { // more than a million rows
		est += 150 * (v.DataVolume - 6)
	}
	if v.HasLimit == 0 {
		est *= 1.5
	}
	if v.SystemLoad > 0.8 {
		est *= 1.4
	}
	return est
}

// interactionDurationModel adds pairwise interaction terms for heavy queries.
type interactionDurationModel struct{}

func (m *interactionDurationModel) name() string { return "interaction_terms" }

func (m *interactionDurationModel) predictDuration(v *FeatureVector) float64 {
	est := 25.0
	est += v.JoinCount * v.TableCount * 15
	est += v.AggregationCount * math.Max(v.DataVolume, 1) * 8
	est += v.OrderByCount * math.Max(v.DataVolume-3, 0) * 12
	est += v.SystemLoad * 80
	if v.AvgPastDuration > 0 {
		// Blend with the historical average when we have one.
		est = est*0.4 + v.AvgPastDuration*0.6
	}
	return est
}

type cachedPrediction struct {
	prediction *PerformancePrediction
	cachedAt   time.Time
	hits       atomic.Int64
}

// PerformancePredictor estimates execution characteristics for queries before
// they run. Predictions never block the pipeline: internal failures degrade
// to a labeled conservative fallback.
type PerformancePredictor struct {
	config   PerformancePredictorConfig
	analyzer *QueryAnalyzer
	logger   *zap.Logger

	models   []durationModel
	modelsMu sync.RWMutex

	cache   map[string]*cachedPrediction
	cacheMu sync.RWMutex

	samples   []PredictionSample
	samplesMu sync.Mutex

	metrics   PredictorMetrics
	metricsMu sync.RWMutex
}

// NewPerformancePredictor creates a predictor backed by the given analyzer.
func NewPerformancePredictor(config PerformancePredictorConfig, analyzer *QueryAnalyzer, logger *zap.Logger) *PerformancePredictor {
	if config.MaxTrainingSamples <= 0 {
		config = DefaultPerformancePredictorConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PerformancePredictor{
		config:   config,
		analyzer: analyzer,
		logger:   logger,
		models: []durationModel{
			newLinearDurationModel(),
			&thresholdDurationModel{},
			&interactionDurationModel{},
		},
		cache:   make(map[string]*cachedPrediction),
		samples: make([]PredictionSample, 0),
		metrics: PredictorMetrics{Accuracy: 0.7},
	}
}

// Predict estimates execution characteristics for a query.
func (pp *PerformancePredictor) Predict(query string, ctx *QueryContext) *PerformancePrediction {
	key := predictionCacheKey(query, ctx)
	if cached := pp.getCached(key); cached != nil {
		return cached
	}

	prediction := pp.predict(query, ctx)
	pp.putCached(key, prediction)
	return prediction
}

func (pp *PerformancePredictor) predict(query string, ctx *QueryContext) (prediction *PerformancePrediction) {
	defer func() {
		if r := recover(); r != nil {
			pp.logger.Warn("prediction failed, returning fallback", zap.Any("cause", r))
			prediction = fallbackPrediction()
		}
	}()

	analysis := pp.analyzer.Analyze(query, ctx)
	features := extractFeatures(analysis, ctx, pp.analyzer.HistoricalRecords(query))

	durationMs := pp.ensembleDuration(&features)

	usage := analysis.ResourceUsage
	prediction = &PerformancePrediction{
		EstimatedDuration:       time.Duration(durationMs * float64(time.Millisecond)),
		EstimatedMemoryUsage:    usage.Memory,
		EstimatedCPUUsage:       usage.CPU,
		EstimatedIOOperations:   usage.IO,
		EstimatedNetworkTraffic: usage.Network,
		Confidence:              pp.confidenceFor(&features),
		Bottlenecks:             make([]string, 0),
		Recommendations:         make([]string, 0),
		RiskFactors:             make([]string, 0),
		PredictedAt:             time.Now(),
	}

	pp.deriveBottlenecks(prediction, &features, ctx)
	pp.deriveRisks(prediction, &features)

	return prediction
}

// ensembleDuration invokes the model set selected by complexity tier and
// averages their estimates.
func (pp *PerformancePredictor) ensembleDuration(v *FeatureVector) float64 {
	pp.modelsMu.RLock()
	defer pp.modelsMu.RUnlock()

	var selected []durationModel
	switch v.tier() {
	case tierLow:
		selected = pp.models[:1]
	case tierMedium:
		selected = pp.models[:2]
	default:
		selected = pp.models
	}

	var sum float64
	for _, m := range selected {
		sum += m.predictDuration(v)
	}
	return sum / float64(len(selected))
}

func (pp *PerformancePredictor) confidenceFor(v *FeatureVector) float64 {
	pp.metricsMu.RLock()
	base := pp.metrics.Accuracy
	pp.metricsMu.RUnlock()

	// Less confidence for complex queries, more when history exists.
	confidence := base
	switch v.tier() {
	case tierLow:
		confidence += 0.15
	case tierHigh:
		confidence -= 0.15
	}
	if v.Frequency >= 10 {
		confidence += 0.1
	}
	if confidence > 0.99 {
		confidence = 0.99
	}
	if confidence < 0.1 {
		confidence = 0.1
	}
	return confidence
}

const (
	bottleneckCPUThreshold     = 80.0
	bottleneckMemoryThreshold  = 512.0
	bottleneckIOThreshold      = 500.0
	bottleneckNetworkThreshold = 1024.0
	highLoadThreshold          = 0.8
)

func (pp *PerformancePredictor) deriveBottlenecks(p *PerformancePrediction, v *FeatureVector, ctx *QueryContext) {
	var load SystemLoad
	if ctx != nil {
		load = ctx.SystemLoad
	}

	if p.EstimatedCPUUsage > bottleneckCPUThreshold || load.CPU > 80 {
		p.Bottlenecks = append(p.Bottlenecks, "cpu")
		p.Recommendations = append(p.Recommendations, "Reduce aggregation scope or pre-compute results to lower CPU pressure")
	}
	if p.EstimatedMemoryUsage > bottleneckMemoryThreshold || load.Memory > 80 {
		p.Bottlenecks = append(p.Bottlenecks, "memory")
		p.Recommendations = append(p.Recommendations, "Add LIMIT or narrow the column list to reduce memory footprint")
	}
	if p.EstimatedIOOperations > bottleneckIOThreshold || load.Disk > 80 {
		p.Bottlenecks = append(p.Bottlenecks, "disk")
		p.Recommendations = append(p.Recommendations, "Narrow the time range or rely on indexed columns to cut disk reads")
	}
	if p.EstimatedNetworkTraffic > bottleneckNetworkThreshold || load.Network > 80 {
		p.Bottlenecks = append(p.Bottlenecks, "network")
		p.Recommendations = append(p.Recommendations, "Aggregate server-side to reduce transferred rows")
	}
}

func (pp *PerformancePredictor) deriveRisks(p *PerformancePrediction, v *FeatureVector) {
	if v.ComplexityScore > 100 {
		p.RiskFactors = append(p.RiskFactors, fmt.Sprintf("High query complexity (score %.0f)", v.ComplexityScore))
	}
	if v.SystemLoad > highLoadThreshold {
		p.RiskFactors = append(p.RiskFactors, "System under high load, execution times may degrade")
	}
}

func fallbackPrediction() *PerformancePrediction {
	return &PerformancePrediction{
		EstimatedDuration:       time.Second,
		EstimatedMemoryUsage:    128,
		EstimatedCPUUsage:       50,
		EstimatedIOOperations:   100,
		EstimatedNetworkTraffic: 64,
		Confidence:              0.5,
		Bottlenecks:             []string{},
		Recommendations:         []string{"Prediction unavailable, conservative estimate used"},
		RiskFactors:             []string{"Prediction model failed for this query"},
		Fallback:                true,
		PredictedAt:             time.Now(),
	}
}

func predictionCacheKey(query string, ctx *QueryContext) string {
	if ctx == nil {
		return queryHash(query)
	}
	return queryHash(fmt.Sprintf("%s|%s|%s|%.0f|%.0f", query, ctx.Endpoint, ctx.Database,
		ctx.SystemLoad.CPU, ctx.SystemLoad.Memory))
}

func (pp *PerformancePredictor) getCached(key string) *PerformancePrediction {
	pp.cacheMu.RLock()
	cached, ok := pp.cache[key]
	pp.cacheMu.RUnlock()
	if !ok {
		return nil
	}
	if cached.prediction.Confidence <= pp.config.CacheMinConfidence {
		return nil
	}
	cached.hits.Add(1)
	return cached.prediction
}

func (pp *PerformancePredictor) putCached(key string, prediction *PerformancePrediction) {
	pp.cacheMu.Lock()
	defer pp.cacheMu.Unlock()
	if len(pp.cache) >= pp.config.CacheMaxEntries {
		// Evict the least-hit entry.
		var victim string
		minHits := int64(math.MaxInt64)
		for k, c := range pp.cache {
			if h := c.hits.Load(); h < minHits {
				minHits = h
				victim = k
			}
		}
		delete(pp.cache, victim)
	}
	pp.cache[key] = &cachedPrediction{prediction: prediction, cachedAt: time.Now()}
}

// EstimateDuration estimates total duration for an execution-step plan under
// live load. Load penalties apply per intensive resource class, then the
// parallel-reduction factor. The floor is 10ms.
func (pp *PerformancePredictor) EstimateDuration(steps []ExecutionStep, req ResourceRequirements, ctx *QueryContext) time.Duration {
	var totalCost float64
	parallelizable := 0
	for _, s := range steps {
		totalCost += s.EstimatedCost
		if s.Parallelizable {
			parallelizable++
		}
	}

	var load SystemLoad
	if ctx != nil {
		load = ctx.SystemLoad
	}
	if req.CPUIntensive && load.CPU > 80 {
		totalCost *= 1.5
	}
	if load.Memory > 80 {
		totalCost *= 1.3
	}
	if req.IOIntensive && load.Disk > 80 {
		totalCost *= 1.4
	}
	if req.NetworkIntensive && load.Network > 80 {
		totalCost *= 1.2
	}

	reduction := 0.15 * float64(parallelizable)
	if reduction > 0.6 {
		reduction = 0.6
	}
	totalCost *= 1 - reduction

	if totalCost < 10 {
		totalCost = 10
	}
	return time.Duration(totalCost * float64(time.Millisecond))
}

// UpdateModel folds one observed execution into the training buffer and
// rolling metrics. Retraining runs once the minimum sample count is reached.
func (pp *PerformancePredictor) UpdateModel(query string, actual *QueryExecutionResult, ctx *QueryContext) {
	analysis := pp.analyzer.Analyze(query, ctx)
	features := extractFeatures(analysis, ctx, pp.analyzer.HistoricalRecords(query))
	actualMs := float64(actual.ExecutionTime.Milliseconds())

	predictedMs := pp.ensembleDuration(&features)
	pp.foldError(predictedMs, actualMs)

	pp.samplesMu.Lock()
	pp.samples = append(pp.samples, PredictionSample{
		Features:       features,
		ActualDuration: actualMs,
		Timestamp:      time.Now(),
	})
	if len(pp.samples) > pp.config.MaxTrainingSamples {
		pp.samples = pp.samples[len(pp.samples)-pp.config.MaxTrainingSamples:]
	}
	shouldTrain := len(pp.samples) >= pp.config.MinTrainingSamples
	pp.samplesMu.Unlock()

	if shouldTrain {
		pp.retrain()
	}

	// Invalidate the now-stale cached prediction.
	key := predictionCacheKey(query, ctx)
	pp.cacheMu.Lock()
	delete(pp.cache, key)
	pp.cacheMu.Unlock()
}

// foldError updates rolling accuracy/MAE/MSE with an exponential moving
// average over the newest observation.
func (pp *PerformancePredictor) foldError(predictedMs, actualMs float64) {
	absErr := math.Abs(predictedMs - actualMs)
	sqErr := absErr * absErr

	relAccuracy := 1.0
	if actualMs > 0 {
		relAccuracy = 1.0 - math.Min(absErr/math.Max(actualMs, 1), 1.0)
	}

	w := pp.config.MetricsEMAWeight
	pp.metricsMu.Lock()
	pp.metrics.MAE = pp.metrics.MAE*(1-w) + absErr*w
	pp.metrics.MSE = pp.metrics.MSE*(1-w) + sqErr*w
	pp.metrics.Accuracy = pp.metrics.Accuracy*(1-w) + relAccuracy*w
	pp.metrics.SampleCount++
	pp.metricsMu.Unlock()
}

// retrain refits the linear model bias against the buffered samples.
func (pp *PerformancePredictor) retrain() {
	pp.samplesMu.Lock()
	actuals := make([]float64, len(pp.samples))
	predictions := make([]float64, len(pp.samples))
	for i := range pp.samples {
		actuals[i] = pp.samples[i].ActualDuration
		predictions[i] = pp.ensembleDuration(&pp.samples[i].Features)
	}
	pp.samplesMu.Unlock()

	if len(actuals) == 0 {
		return
	}

	meanActual := stat.Mean(actuals, nil)
	meanPredicted := stat.Mean(predictions, nil)

	// Shift the linear model bias toward the observed mean.
	pp.modelsMu.Lock()
	if lm, ok := pp.models[0].(*linearDurationModel); ok {
		lm.bias += (meanActual - meanPredicted) * 0.1
	}
	pp.modelsMu.Unlock()

	pp.metricsMu.Lock()
	pp.metrics.LastTrained = time.Now()
	pp.metrics.RetrainCount++
	pp.metricsMu.Unlock()
}

// Metrics returns a snapshot of rolling model quality.
func (pp *PerformancePredictor) Metrics() PredictorMetrics {
	pp.metricsMu.RLock()
	defer pp.metricsMu.RUnlock()
	return pp.metrics
}

// TrainingSampleCount returns the current training buffer size.
func (pp *PerformancePredictor) TrainingSampleCount() int {
	pp.samplesMu.Lock()
	defer pp.samplesMu.Unlock()
	return len(pp.samples)
}
