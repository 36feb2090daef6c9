package querypilot

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the top-level configuration for the intelligent query
// engine. It aggregates per-component settings and is loadable from YAML
// for embedding applications.
type EngineConfig struct {
	// MaxRecommendations bounds the ranked recommendation list per result.
	MaxRecommendations int `yaml:"max_recommendations" json:"max_recommendations"`

	// DefaultEndpoint is used when a request does not name one.
	DefaultEndpoint string `yaml:"default_endpoint" json:"default_endpoint"`

	Analyzer  AnalyzerSettings  `yaml:"analyzer" json:"analyzer"`
	Predictor PredictorSettings `yaml:"predictor" json:"predictor"`
	ML        MLSettings        `yaml:"ml" json:"ml"`
	Optimizer OptimizerSettings `yaml:"optimizer" json:"optimizer"`
	Router    RouterSettings    `yaml:"router" json:"router"`
	History   HistorySettings   `yaml:"history" json:"history"`
	Cache     CacheSettings     `yaml:"cache" json:"cache"`
}

// AnalyzerSettings mirrors QueryAnalyzerConfig in serializable form.
type AnalyzerSettings struct {
	MaxRecordsPerQuery int           `yaml:"max_records_per_query" json:"max_records_per_query"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold"`
}

// PredictorSettings mirrors PerformancePredictorConfig.
type PredictorSettings struct {
	MaxTrainingSamples int     `yaml:"max_training_samples" json:"max_training_samples"`
	MinTrainingSamples int     `yaml:"min_training_samples" json:"min_training_samples"`
	CacheMaxEntries    int     `yaml:"cache_max_entries" json:"cache_max_entries"`
	CacheMinConfidence float64 `yaml:"cache_min_confidence" json:"cache_min_confidence"`
}

// MLSettings mirrors MLOptimizerConfig.
type MLSettings struct {
	MaxTrainingEntries int     `yaml:"max_training_entries" json:"max_training_entries"`
	TrainEveryN        int     `yaml:"train_every_n" json:"train_every_n"`
	MinTrainingEntries int     `yaml:"min_training_entries" json:"min_training_entries"`
	AccuracyCeiling    float64 `yaml:"accuracy_ceiling" json:"accuracy_ceiling"`
}

// OptimizerSettings mirrors QueryOptimizerConfig.
type OptimizerSettings struct {
	MaxImprovement   float64 `yaml:"max_improvement" json:"max_improvement"`
	MaxMLImprovement float64 `yaml:"max_ml_improvement" json:"max_ml_improvement"`
	BottleneckCost   float64 `yaml:"bottleneck_cost" json:"bottleneck_cost"`
}

// RouterSettings mirrors QueryRouterConfig.
type RouterSettings struct {
	HealthCheckInterval time.Duration         `yaml:"health_check_interval" json:"health_check_interval"`
	ProbeTimeout        time.Duration         `yaml:"probe_timeout" json:"probe_timeout"`
	DefaultStrategy     LoadBalancingStrategy `yaml:"default_strategy" json:"default_strategy"`
	DecisionWindow      time.Duration         `yaml:"decision_window" json:"decision_window"`
}

// HistorySettings mirrors OptimizationHistoryConfig.
type HistorySettings struct {
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
}

// CacheSettings mirrors MemoryResultCacheConfig.
type CacheSettings struct {
	MaxEntries    int           `yaml:"max_entries" json:"max_entries"`
	DefaultTTL    time.Duration `yaml:"default_ttl" json:"default_ttl"`
	MinConfidence float64       `yaml:"min_confidence" json:"min_confidence"`
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	analyzer := DefaultQueryAnalyzerConfig()
	predictor := DefaultPerformancePredictorConfig()
	ml := DefaultMLOptimizerConfig()
	optimizer := DefaultQueryOptimizerConfig()
	router := DefaultQueryRouterConfig()
	history := DefaultOptimizationHistoryConfig()
	cache := DefaultMemoryResultCacheConfig()

	return EngineConfig{
		MaxRecommendations: 10,
		DefaultEndpoint:    "default",
		Analyzer: AnalyzerSettings{
			MaxRecordsPerQuery: analyzer.MaxRecordsPerQuery,
			SlowQueryThreshold: analyzer.SlowQueryThreshold,
		},
		Predictor: PredictorSettings{
			MaxTrainingSamples: predictor.MaxTrainingSamples,
			MinTrainingSamples: predictor.MinTrainingSamples,
			CacheMaxEntries:    predictor.CacheMaxEntries,
			CacheMinConfidence: predictor.CacheMinConfidence,
		},
		ML: MLSettings{
			MaxTrainingEntries: ml.MaxTrainingEntries,
			TrainEveryN:        ml.TrainEveryN,
			MinTrainingEntries: ml.MinTrainingEntries,
			AccuracyCeiling:    ml.AccuracyCeiling,
		},
		Optimizer: OptimizerSettings{
			MaxImprovement:   optimizer.MaxImprovement,
			MaxMLImprovement: optimizer.MaxMLImprovement,
			BottleneckCost:   optimizer.BottleneckCost,
		},
		Router: RouterSettings{
			HealthCheckInterval: router.HealthCheckInterval,
			ProbeTimeout:        router.ProbeTimeout,
			DefaultStrategy:     router.DefaultStrategy,
			DecisionWindow:      router.DecisionWindow,
		},
		History: HistorySettings{MaxEntries: history.MaxEntries},
		Cache: CacheSettings{
			MaxEntries:    cache.MaxEntries,
			DefaultTTL:    cache.DefaultTTL,
			MinConfidence: cache.MinConfidence,
		},
	}
}

// LoadEngineConfig reads a YAML configuration file. Missing fields keep
// their defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	config := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config: %w", err)
	}
	return config, nil
}

// Save writes the configuration as YAML.
func (c EngineConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c EngineConfig) analyzerConfig() QueryAnalyzerConfig {
	return QueryAnalyzerConfig{
		MaxRecordsPerQuery: c.Analyzer.MaxRecordsPerQuery,
		SlowQueryThreshold: c.Analyzer.SlowQueryThreshold,
	}
}

func (c EngineConfig) predictorConfig() PerformancePredictorConfig {
	base := DefaultPerformancePredictorConfig()
	if c.Predictor.MaxTrainingSamples > 0 {
		base.MaxTrainingSamples = c.Predictor.MaxTrainingSamples
	}
	if c.Predictor.MinTrainingSamples > 0 {
		base.MinTrainingSamples = c.Predictor.MinTrainingSamples
	}
	if c.Predictor.CacheMaxEntries > 0 {
		base.CacheMaxEntries = c.Predictor.CacheMaxEntries
	}
	if c.Predictor.CacheMinConfidence > 0 {
		base.CacheMinConfidence = c.Predictor.CacheMinConfidence
	}
	return base
}

func (c EngineConfig) mlConfig() MLOptimizerConfig {
	return MLOptimizerConfig{
		MaxTrainingEntries: c.ML.MaxTrainingEntries,
		TrainEveryN:        c.ML.TrainEveryN,
		MinTrainingEntries: c.ML.MinTrainingEntries,
		AccuracyCeiling:    c.ML.AccuracyCeiling,
	}
}

func (c EngineConfig) optimizerConfig() QueryOptimizerConfig {
	return QueryOptimizerConfig{
		MaxImprovement:   c.Optimizer.MaxImprovement,
		MaxMLImprovement: c.Optimizer.MaxMLImprovement,
		BottleneckCost:   c.Optimizer.BottleneckCost,
	}
}

func (c EngineConfig) routerConfig() QueryRouterConfig {
	return QueryRouterConfig{
		HealthCheckInterval: c.Router.HealthCheckInterval,
		ProbeTimeout:        c.Router.ProbeTimeout,
		DefaultStrategy:     c.Router.DefaultStrategy,
		DecisionWindow:      c.Router.DecisionWindow,
	}
}

func (c EngineConfig) historyConfig() OptimizationHistoryConfig {
	return OptimizationHistoryConfig{MaxEntries: c.History.MaxEntries}
}

func (c EngineConfig) cacheConfig() MemoryResultCacheConfig {
	return MemoryResultCacheConfig{
		MaxEntries:    c.Cache.MaxEntries,
		DefaultTTL:    c.Cache.DefaultTTL,
		MinConfidence: c.Cache.MinConfidence,
	}
}
