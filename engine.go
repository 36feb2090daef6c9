package querypilot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// QueryPlan is the execution plan attached to an optimization result.
type QueryPlan struct {
	Steps             []ExecutionStep      `json:"steps"`
	Parallelization   ParallelizationInfo  `json:"parallelization"`
	Resources         ResourceRequirements `json:"resources"`
	EstimatedDuration time.Duration        `json:"estimated_duration"`
}

// QueryOptimizationResult is the full output of one optimization pass:
// the rewritten query plus everything the engine learned about it.
type QueryOptimizationResult struct {
	OriginalQuery        string                  `json:"original_query"`
	OptimizedQuery       string                  `json:"optimized_query"`
	Analysis             *QueryAnalysis          `json:"analysis,omitempty"`
	Techniques           []OptimizationTechnique `json:"techniques"`
	Confidence           float64                 `json:"confidence"` // 0-100
	EstimatedImprovement float64                 `json:"estimated_improvement"`
	Prediction           *PerformancePrediction  `json:"prediction,omitempty"`
	Routing              RoutingStrategy         `json:"routing"`
	Plan                 QueryPlan               `json:"plan"`
	Recommendations      []Recommendation        `json:"recommendations"`
	CacheHit             bool                    `json:"cache_hit"`
	CreatedAt            time.Time               `json:"created_at"`
}

// EngineOptions carries the optional collaborators an Engine can be
// wired with. Zero-value fields get sensible defaults.
type EngineOptions struct {
	Logger *zap.Logger

	// Cache overrides the built-in in-memory result cache.
	Cache ResultCache

	// Probe overrides the system health probe used by the router.
	Probe HealthProbe

	// Store enables best-effort persistence of the history ledger and
	// training buffer.
	Store PersistenceStore

	// Metrics enables Prometheus instrumentation.
	Metrics *EngineMetrics

	// Events enables the live WebSocket event stream.
	Events *EventHub

	// LearnHook is invoked after each LearnFromQuery fan-out.
	LearnHook func(query string, result *QueryExecutionResult)
}

// Engine orchestrates analysis, optimization, prediction, routing and
// history into a single pipeline. All methods are safe for concurrent use.
type Engine struct {
	config EngineConfig
	logger *zap.Logger

	analyzer  *QueryAnalyzer
	predictor *PerformancePredictor
	ml        *MLOptimizer
	optimizer *QueryOptimizer
	router    *QueryRouter
	history   *OptimizationHistory
	cache     ResultCache

	store   PersistenceStore
	metrics *EngineMetrics
	events  *EventHub

	learnHook func(query string, result *QueryExecutionResult)

	closed    atomic.Bool
	optimized atomic.Int64
	learned   atomic.Int64
}

// NewEngine builds an engine from config, wiring every component. A nil
// logger means no logging; a nil cache gets the in-memory default; a nil
// probe gets the local system probe. Persistence failures during startup
// are logged and the engine starts empty.
func NewEngine(config EngineConfig, opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRecommendations <= 0 {
		config.MaxRecommendations = DefaultEngineConfig().MaxRecommendations
	}
	if config.DefaultEndpoint == "" {
		config.DefaultEndpoint = DefaultEngineConfig().DefaultEndpoint
	}

	probe := opts.Probe
	if probe == nil {
		probe = NewSystemHealthProbe()
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryResultCache(config.cacheConfig())
	}

	analyzer := NewQueryAnalyzer(config.analyzerConfig(), logger)
	ml := NewMLOptimizer(config.mlConfig(), logger)

	e := &Engine{
		config:    config,
		logger:    logger,
		analyzer:  analyzer,
		predictor: NewPerformancePredictor(config.predictorConfig(), analyzer, logger),
		ml:        ml,
		optimizer: NewQueryOptimizer(config.optimizerConfig(), ml, logger),
		router:    NewQueryRouter(config.routerConfig(), probe, logger),
		history:   NewOptimizationHistory(config.historyConfig()),
		cache:     cache,
		store:     opts.Store,
		metrics:   opts.Metrics,
		events:    opts.Events,
		learnHook: opts.LearnHook,
	}

	if e.store != nil {
		e.restoreState()
	}
	return e, nil
}

// restoreState loads persisted state. Any failure starts that piece empty.
func (e *Engine) restoreState() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if entries, err := e.store.LoadHistory(ctx); err != nil {
		e.logger.Warn("failed to load optimization history, starting empty", zap.Error(err))
	} else if len(entries) > 0 {
		restored := e.history.merge(entries)
		e.logger.Info("restored optimization history", zap.Int("entries", restored))
	}

	if entries, err := e.store.LoadTrainingData(ctx); err != nil {
		e.logger.Warn("failed to load training data, starting empty", zap.Error(err))
	} else if len(entries) > 0 {
		e.ml.seedTraining(entries)
		e.logger.Info("restored training data", zap.Int("entries", len(entries)))
	}
}

// OptimizeQuery runs the full pipeline for one query. It degrades rather
// than fails: analysis quirks, prediction panics and unhealthy endpoints
// all produce a usable result. The only errors are lifecycle ones.
func (e *Engine) OptimizeQuery(ctx context.Context, query string, qctx *QueryContext) (*QueryOptimizationResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if qctx == nil {
		qctx = &QueryContext{Timestamp: time.Now()}
	}
	endpoint := qctx.Endpoint
	if endpoint == "" {
		endpoint = e.config.DefaultEndpoint
	}

	started := time.Now()
	analysis := e.analyzer.Analyze(query, qctx)

	cacheKey := e.cache.GenerateCacheKey(query, endpoint, qctx.Database)
	if !qctx.DisableCaching {
		if cached, ok := e.cache.Get(cacheKey); ok && e.cache.IsValid(cached) {
			result := e.cachedResult(cached, query, endpoint, qctx)
			e.metrics.incCacheHit()
			e.publish(EngineEvent{
				Type:      EventCacheHit,
				Timestamp: time.Now(),
				Query:     query,
				Endpoint:  result.Routing.TargetEndpoint,
			})
			return result, nil
		}
		e.metrics.incCacheMiss()
	}

	optimized := e.optimizer.Optimize(query, analysis, qctx)
	prediction := e.predictor.Predict(optimized.Query, qctx)
	routing := e.router.DetermineRouting(query, endpoint, qctx)
	if routing.Reason == routingFallbackReason {
		e.metrics.incRoutingFallback()
	}

	steps := e.optimizer.GenerateSteps(optimized.Query, analysis)
	plan := QueryPlan{
		Steps:           steps,
		Parallelization: e.optimizer.AnalyzeParallelization(steps),
		Resources:       e.optimizer.CalculateResourceRequirements(steps, qctx),
	}
	plan.EstimatedDuration = e.predictor.EstimateDuration(steps, plan.Resources, qctx)

	recs := e.collectRecommendations(query, analysis, plan.Resources, qctx)

	result := &QueryOptimizationResult{
		OriginalQuery:        query,
		OptimizedQuery:       optimized.Query,
		Analysis:             analysis,
		Techniques:           optimized.Techniques,
		Confidence:           optimized.Confidence,
		EstimatedImprovement: optimized.EstimatedImprovement,
		Prediction:           prediction,
		Routing:              routing,
		Plan:                 plan,
		Recommendations:      recs,
		CreatedAt:            time.Now(),
	}

	if !qctx.DisableCaching {
		e.cache.Set(cacheKey, result, e.cache.CalculateTTL(analysis), analysis.Tags)
	}
	e.history.RecordOptimization(result, qctx)
	e.persistAsync()

	e.optimized.Add(1)
	e.metrics.incOptimizations()
	e.metrics.observeOptimize(time.Since(started).Seconds(), result.EstimatedImprovement)
	e.publish(EngineEvent{
		Type:      EventOptimizationCompleted,
		Timestamp: time.Now(),
		Query:     query,
		Endpoint:  routing.TargetEndpoint,
		Detail: map[string]any{
			"estimated_improvement": result.EstimatedImprovement,
			"confidence":            result.Confidence,
			"techniques":            len(result.Techniques),
		},
	})

	e.logger.Debug("query optimized",
		zap.String("endpoint", routing.TargetEndpoint),
		zap.Float64("improvement", result.EstimatedImprovement),
		zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

// cachedResult returns a shallow copy of a cached result re-routed for
// the current context, marked with the cache-hit technique.
func (e *Engine) cachedResult(cached *QueryOptimizationResult, query, endpoint string, qctx *QueryContext) *QueryOptimizationResult {
	result := *cached
	result.CacheHit = true
	result.CreatedAt = time.Now()
	result.Routing = e.router.DetermineRouting(query, endpoint, qctx)

	techniques := make([]OptimizationTechnique, 0, len(cached.Techniques)+1)
	techniques = append(techniques, OptimizationTechnique{
		Name:          "Cache Hit",
		Description:   "Result served from optimization cache",
		Impact:        ImpactHigh,
		EstimatedGain: 95,
	})
	techniques = append(techniques, cached.Techniques...)
	result.Techniques = techniques
	return &result
}

func (e *Engine) collectRecommendations(query string, analysis *QueryAnalysis, req ResourceRequirements, qctx *QueryContext) []Recommendation {
	recs := e.optimizer.RecommendIndexes(analysis, qctx)
	recs = append(recs, e.optimizer.RecommendRewrites(query, analysis)...)
	recs = append(recs, e.optimizer.RecommendConfiguration(analysis, req, qctx)...)
	recs = append(recs, e.cache.RecommendCaching(query, analysis)...)
	recs = dedupeRecommendations(recs)
	sortRecommendations(recs)
	if len(recs) > e.config.MaxRecommendations {
		recs = recs[:e.config.MaxRecommendations]
	}
	return recs
}

// OptimizeQueries optimizes a batch. Queries with no dependencies run
// concurrently; dependent queries run afterwards in submission order.
// Results are returned in submission order.
func (e *Engine) OptimizeQueries(ctx context.Context, queries []string, qctx *QueryContext) ([]*QueryOptimizationResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(queries) == 0 {
		return nil, nil
	}

	dependent := make([]bool, len(queries))
	for _, dep := range e.analyzer.AnalyzeDependencies(queries) {
		if dep.DependentIndex >= 0 && dep.DependentIndex < len(queries) {
			dependent[dep.DependentIndex] = true
		}
	}

	results := make([]*QueryOptimizationResult, len(queries))
	errs := make([]error, len(queries))

	var wg sync.WaitGroup
	for i, q := range queries {
		if dependent[i] {
			continue
		}
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			results[i], errs[i] = e.OptimizeQuery(ctx, q, qctx)
		}(i, q)
	}
	wg.Wait()

	for i, q := range queries {
		if !dependent[i] {
			continue
		}
		results[i], errs[i] = e.OptimizeQuery(ctx, q, qctx)
	}

	for i, err := range errs {
		if err != nil {
			return results, fmt.Errorf("query %d: %w", i, err)
		}
	}
	return results, nil
}

// LearnFromQuery feeds an observed execution back into every learning
// component. Safe to call from execution hot paths.
func (e *Engine) LearnFromQuery(query string, result *QueryExecutionResult, qctx *QueryContext) {
	if e.closed.Load() || result == nil {
		return
	}
	if qctx == nil {
		qctx = &QueryContext{Timestamp: time.Now()}
	}

	e.analyzer.RecordPerformance(query, result)
	e.predictor.UpdateModel(query, result, qctx)
	e.router.UpdateWeights(query, result)

	analysis := e.analyzer.Analyze(query, qctx)
	e.ml.AddTrainingData(MLTrainingEntry{
		Query:         query,
		Features:      extractFeatures(analysis, qctx, e.analyzer.HistoricalRecords(query)),
		ExecutionTime: float64(result.ExecutionTime.Milliseconds()),
		Success:       result.Success,
		Timestamp:     time.Now(),
	})

	e.learned.Add(1)
	if e.learnHook != nil {
		e.learnHook(query, result)
	}
}

// GetQueryStats returns aggregate statistics for recorded executions.
func (e *Engine) GetQueryStats(endpoint string, since time.Time) QueryStatistics {
	return e.analyzer.GetStatistics(endpoint, since)
}

// GetOptimizationRecommendations analyzes a query and returns ranked
// recommendations without running the full pipeline.
func (e *Engine) GetOptimizationRecommendations(query string, qctx *QueryContext) []Recommendation {
	if qctx == nil {
		qctx = &QueryContext{Timestamp: time.Now()}
	}
	analysis := e.analyzer.Analyze(query, qctx)
	steps := e.optimizer.GenerateSteps(query, analysis)
	req := e.optimizer.CalculateResourceRequirements(steps, qctx)
	return e.collectRecommendations(query, analysis, req, qctx)
}

// ClearCache drops all cached optimization results.
func (e *Engine) ClearCache() {
	if c, ok := e.cache.(interface{ Clear() }); ok {
		c.Clear()
	}
}

// RegisterEndpoint adds a routable endpoint.
func (e *Engine) RegisterEndpoint(endpointID string, meta EndpointMeta) {
	e.router.RegisterEndpoint(endpointID, meta)
}

// UnregisterEndpoint removes a routable endpoint.
func (e *Engine) UnregisterEndpoint(endpointID string) {
	e.router.UnregisterEndpoint(endpointID)
}

// AddRoutingRule installs a custom routing rule.
func (e *Engine) AddRoutingRule(rule RoutingRule) {
	e.router.AddRule(rule)
}

// EndpointHealth returns the last health check for an endpoint.
func (e *Engine) EndpointHealth(endpointID string) (ConnectionHealth, error) {
	return e.router.EndpointHealth(endpointID)
}

// TrainMLModels triggers a training pass. A nil slice trains on the
// internal buffer.
func (e *Engine) TrainMLModels(data []MLTrainingEntry) {
	e.ml.TrainModels(data)
	e.metrics.incRetrains()
	e.publish(EngineEvent{
		Type:      EventModelsRetrained,
		Timestamp: time.Now(),
		Detail:    map[string]any{"buffer_size": e.ml.TrainingDataCount()},
	})
	e.persistAsync()
}

// AddMLTrainingData appends one observation to the training buffer.
func (e *Engine) AddMLTrainingData(entry MLTrainingEntry) {
	e.ml.AddTrainingData(entry)
}

// GetMLModelInfo returns metadata for every registered model.
func (e *Engine) GetMLModelInfo() []MLModelInfo {
	return e.ml.GetModelInfo()
}

// GetMLModelMetrics returns per-model accuracy.
func (e *Engine) GetMLModelMetrics() map[string]float64 {
	return e.ml.ModelMetrics()
}

// GetOptimizationHistory returns ledger entries matching the filter.
func (e *Engine) GetOptimizationHistory(filter *HistoryFilter, limit, offset int) []*OptimizationHistoryEntry {
	return e.history.QueryHistory(filter, limit, offset)
}

// GetHistoryEntry returns a single ledger entry by id.
func (e *Engine) GetHistoryEntry(entryID string) (*OptimizationHistoryEntry, error) {
	entry, ok := e.history.GetEntry(entryID)
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// UpdateExecutionPerformance records the actual execution outcome for a
// ledger entry and feeds the learning components.
func (e *Engine) UpdateExecutionPerformance(entryID string, perf *QueryExecutionResult) error {
	entry, ok := e.history.GetEntry(entryID)
	if !ok {
		return ErrEntryNotFound
	}
	if e.history.UpdatePerformance(entryID, perf) {
		e.LearnFromQuery(entry.OriginalQuery, perf, entry.Context)
		e.persistAsync()
	}
	return nil
}

// AddUserFeedback attaches user feedback to a ledger entry.
func (e *Engine) AddUserFeedback(entryID string, feedback UserFeedback) error {
	if _, ok := e.history.GetEntry(entryID); !ok {
		return ErrEntryNotFound
	}
	e.history.AddUserFeedback(entryID, feedback)
	e.persistAsync()
	return nil
}

// GetHistoryStatistics aggregates the ledger, optionally filtered.
func (e *Engine) GetHistoryStatistics(filter *HistoryFilter) HistoryStatistics {
	return e.history.GenerateStatistics(filter)
}

// FindSimilarQueries returns past entries whose queries resemble the
// given one.
func (e *Engine) FindSimilarQueries(query string, limit int) []*OptimizationHistoryEntry {
	return e.history.FindSimilarQueries(query, limit, 0.3)
}

// GetBestOptimizations returns the entries with the highest realized gain.
func (e *Engine) GetBestOptimizations(limit int) []*OptimizationHistoryEntry {
	return e.history.BestOptimizations(limit)
}

// GetWorstOptimizations returns the entries with the lowest realized gain.
func (e *Engine) GetWorstOptimizations(limit int) []*OptimizationHistoryEntry {
	return e.history.WorstOptimizations(limit)
}

// ExportOptimizationHistory serializes the ledger with the given options.
func (e *Engine) ExportOptimizationHistory(opts ExportOptions) ([]byte, error) {
	return ExportHistorySnapshot(e.history.Snapshot(), opts)
}

// ImportOptimizationHistory merges a snapshot blob into the ledger and
// returns the number of entries accepted.
func (e *Engine) ImportOptimizationHistory(data []byte, passphrase string) (int, error) {
	entries, err := ImportHistorySnapshot(data, passphrase)
	if err != nil {
		return 0, err
	}
	accepted := e.history.merge(entries)
	e.persistAsync()
	return accepted, nil
}

// ClearOptimizationHistory drops the ledger.
func (e *Engine) ClearOptimizationHistory() {
	e.history.Clear()
	e.persistAsync()
}

// EngineStats is a point-in-time snapshot of engine activity.
type EngineStats struct {
	QueriesOptimized  int64            `json:"queries_optimized"`
	ExecutionsLearned int64            `json:"executions_learned"`
	HistorySize       int              `json:"history_size"`
	TrainingSamples   int              `json:"training_samples"`
	PredictorMetrics  PredictorMetrics `json:"predictor_metrics"`
	RouterStats       RouterStats      `json:"router_stats"`
}

// Stats returns a snapshot of engine activity.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		QueriesOptimized:  e.optimized.Load(),
		ExecutionsLearned: e.learned.Load(),
		HistorySize:       e.history.Size(),
		TrainingSamples:   e.ml.TrainingDataCount(),
		PredictorMetrics:  e.predictor.Metrics(),
		RouterStats:       e.router.Stats(),
	}
}

// persistAsync saves state in the background, best-effort.
func (e *Engine) persistAsync() {
	if e.store == nil || e.closed.Load() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.persist(ctx)
	}()
}

func (e *Engine) persist(ctx context.Context) {
	if err := e.store.SaveHistory(ctx, e.history.Snapshot()); err != nil {
		e.logger.Warn("failed to persist optimization history", zap.Error(err))
	}
	if err := e.store.SaveTrainingData(ctx, e.ml.TrainingSnapshot()); err != nil {
		e.logger.Warn("failed to persist training data", zap.Error(err))
	}
}

// Close flushes state and stops background work. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		e.persist(ctx)
		cancel()
		if err := e.store.Close(); err != nil {
			e.logger.Warn("failed to close persistence store", zap.Error(err))
		}
	}
	if e.events != nil {
		_ = e.events.Close()
	}
	return e.router.Close()
}

func (e *Engine) publish(event EngineEvent) {
	if e.events == nil {
		return
	}
	e.events.Publish(event)
}
