package querypilot

import (
	"math"
	"time"
)

// FeatureVector is the fixed numeric encoding of a query plus its runtime
// context, shared by the performance predictor and the ML optimizer. It is a
// pure function of (analysis, context, recorded history).
type FeatureVector struct {
	// Structural features.
	TableCount       float64 `json:"table_count"`
	JoinCount        float64 `json:"join_count"`
	ConditionCount   float64 `json:"condition_count"`
	AggregationCount float64 `json:"aggregation_count"`
	OrderByCount     float64 `json:"order_by_count"`
	GroupByCount     float64 `json:"group_by_count"`
	HasLimit         float64 `json:"has_limit"`
	HasTimeRange     float64 `json:"has_time_range"`

	// Semantic features.
	Selectivity     float64 `json:"selectivity"`
	ComplexityScore float64 `json:"complexity_score"`
	DataVolume      float64 `json:"data_volume"` // log10 of estimated rows

	// Live context features.
	SystemLoad     float64 `json:"system_load"`     // [0, 1]
	MemoryHeadroom float64 `json:"memory_headroom"` // [0, 1]
	TimeOfDay      float64 `json:"time_of_day"`     // hour / 24

	// Historical features.
	Frequency       float64 `json:"frequency"`
	AvgPastDuration float64 `json:"avg_past_duration"` // milliseconds
}

// featureNames lists vector components in slice order.
var featureNames = []string{
	"table_count", "join_count", "condition_count", "aggregation_count",
	"order_by_count", "group_by_count", "has_limit", "has_time_range",
	"selectivity", "complexity_score", "data_volume",
	"system_load", "memory_headroom", "time_of_day",
	"frequency", "avg_past_duration",
}

// Slice returns the vector components in featureNames order.
func (v *FeatureVector) Slice() []float64 {
	return []float64{
		v.TableCount, v.JoinCount, v.ConditionCount, v.AggregationCount,
		v.OrderByCount, v.GroupByCount, v.HasLimit, v.HasTimeRange,
		v.Selectivity, v.ComplexityScore, v.DataVolume,
		v.SystemLoad, v.MemoryHeadroom, v.TimeOfDay,
		v.Frequency, v.AvgPastDuration,
	}
}

// modelTier selects how many scoring models a component invokes.
type modelTier int

const (
	tierLow modelTier = iota
	tierMedium
	tierHigh
)

// tier derives the model-selection tier from structural complexity.
func (v *FeatureVector) tier() modelTier {
	switch {
	case v.ComplexityScore < 20:
		return tierLow
	case v.ComplexityScore < 100:
		return tierMedium
	default:
		return tierHigh
	}
}

// extractFeatures builds the feature vector for an analyzed query.
func extractFeatures(analysis *QueryAnalysis, ctx *QueryContext, history []QueryPerformanceRecord) FeatureVector {
	p := analysis.Pattern()

	v := FeatureVector{
		TableCount:       float64(len(p.Tables)),
		JoinCount:        float64(len(p.Joins)),
		ConditionCount:   float64(len(p.Conditions)),
		AggregationCount: float64(len(p.Aggregations)),
		OrderByCount:     float64(len(p.OrderBy)),
		GroupByCount:     float64(len(p.GroupBy)),
		ComplexityScore:  analysis.Complexity.Score,
		Selectivity:      estimateSelectivity(p),
	}
	if p.Limit > 0 {
		v.HasLimit = 1
	}
	if p.TimeRange != nil {
		v.HasTimeRange = 1
	}

	at := ctx.At()
	v.TimeOfDay = float64(at.Hour()) / 24.0
	if ctx != nil {
		v.SystemLoad = ctx.SystemLoad.Normalized()
		v.MemoryHeadroom = 1.0 - ctx.SystemLoad.Memory/100.0
		if ctx.DataSize != nil && ctx.DataSize.EstimatedRows > 0 {
			v.DataVolume = math.Log10(float64(ctx.DataSize.EstimatedRows))
		}
	}

	if len(history) > 0 {
		v.Frequency = float64(len(history))
		var total time.Duration
		for _, r := range history {
			total += r.ExecutionTime
		}
		v.AvgPastDuration = float64(total.Milliseconds()) / float64(len(history))
	}

	return v
}

// estimateSelectivity guesses the fraction of rows surviving the filters.
// Each equality halves the estimate twice, ranges halve it once.
func estimateSelectivity(p *QueryPattern) float64 {
	selectivity := 1.0
	for _, c := range p.Conditions {
		switch c.Operator {
		case "=":
			selectivity *= 0.25
		case ">", "<", ">=", "<=":
			selectivity *= 0.5
		case "LIKE", "=~":
			selectivity *= 0.6
		default:
			selectivity *= 0.75
		}
	}
	if selectivity < 0.001 {
		selectivity = 0.001
	}
	return selectivity
}
