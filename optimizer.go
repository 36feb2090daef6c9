package querypilot

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// ImpactTier buckets a technique's expected effect.
type ImpactTier string

const (
	ImpactHigh   ImpactTier = "high"
	ImpactMedium ImpactTier = "medium"
	ImpactLow    ImpactTier = "low"
)

// OptimizationTechnique is one named transformation applied to a query.
type OptimizationTechnique struct {
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Impact        ImpactTier `json:"impact"`
	AppliedTo     []string   `json:"applied_to,omitempty"`
	EstimatedGain float64    `json:"estimated_gain"` // percent
}

// OptimizedQuery is the optimizer's result for one query.
type OptimizedQuery struct {
	Query                string                  `json:"query"`
	Techniques           []OptimizationTechnique `json:"techniques"`
	Confidence           float64                 `json:"confidence"` // 0-100
	EstimatedImprovement float64                 `json:"estimated_improvement"`
}

// StepOperation tags an execution step.
type StepOperation string

const (
	OpTableScan StepOperation = "TABLE_SCAN"
	OpFilter    StepOperation = "FILTER"
	OpJoin      StepOperation = "JOIN"
	OpAggregate StepOperation = "AGGREGATE"
	OpSort      StepOperation = "SORT"
	OpLimit     StepOperation = "LIMIT"
)

// ExecutionStep is one node of the execution-step DAG. Dependencies only
// reference earlier-produced step ids, so the DAG is acyclic by
// construction.
type ExecutionStep struct {
	ID             string        `json:"id"`
	Operation      StepOperation `json:"operation"`
	Description    string        `json:"description"`
	EstimatedCost  float64       `json:"estimated_cost"`
	DependsOn      []string      `json:"depends_on"`
	Parallelizable bool          `json:"parallelizable"`
}

// ParallelizationInfo summarizes the parallel structure of a step DAG.
type ParallelizationInfo struct {
	MaxParallelism int        `json:"max_parallelism"`
	ParallelGroups [][]string `json:"parallel_groups"`
	Bottlenecks    []string   `json:"bottlenecks"`
}

// ResourceRequirements derives resource classes from step composition.
type ResourceRequirements struct {
	MinMemoryMB      float64 `json:"min_memory_mb"`
	MaxMemoryMB      float64 `json:"max_memory_mb"`
	CPUIntensive     bool    `json:"cpu_intensive"`
	IOIntensive      bool    `json:"io_intensive"`
	NetworkIntensive bool    `json:"network_intensive"`
}

// RecommendationKind classifies a recommendation.
type RecommendationKind string

const (
	RecommendIndex         RecommendationKind = "index"
	RecommendQueryRewrite  RecommendationKind = "query_rewrite"
	RecommendCaching       RecommendationKind = "caching"
	RecommendPartitioning  RecommendationKind = "partitioning"
	RecommendConfiguration RecommendationKind = "configuration"
)

// Recommendation is one advisory produced for a query.
type Recommendation struct {
	Kind             RecommendationKind `json:"kind"`
	Priority         int                `json:"priority"` // 1-10
	Title            string             `json:"title"`
	Description      string             `json:"description"`
	Implementation   string             `json:"implementation,omitempty"`
	EstimatedBenefit float64            `json:"estimated_benefit"` // percent
}

// rewriteRule is one deterministic rule: a trigger predicate over the
// analysis plus an apply step. A rule contributes only when it triggers.
type rewriteRule struct {
	name      string
	appliesTo func(p *QueryPattern) bool
	apply     func(query string, p *QueryPattern) (string, OptimizationTechnique)
}

// QueryOptimizerConfig configures the optimizer.
type QueryOptimizerConfig struct {
	// MaxImprovement caps the aggregate estimated improvement (percent).
	MaxImprovement float64

	// MaxMLImprovement caps the ML-contributed improvement (percent).
	MaxMLImprovement float64

	// BottleneckCost: non-parallelizable steps above this cost are flagged.
	BottleneckCost float64
}

// DefaultQueryOptimizerConfig returns default configuration.
func DefaultQueryOptimizerConfig() QueryOptimizerConfig {
	return QueryOptimizerConfig{
		MaxImprovement:   95,
		MaxMLImprovement: 70,
		BottleneckCost:   1000,
	}
}

// QueryOptimizer applies deterministic rule-based rewrites, layers learned
// rewrites from the ML optimizer on top, and builds execution-step plans.
type QueryOptimizer struct {
	config QueryOptimizerConfig
	ml     *MLOptimizer
	logger *zap.Logger

	rules []rewriteRule

	queriesOptimized int64
}

// NewQueryOptimizer creates an optimizer delegating learned rewrites to ml.
func NewQueryOptimizer(config QueryOptimizerConfig, ml *MLOptimizer, logger *zap.Logger) *QueryOptimizer {
	if config.MaxImprovement <= 0 {
		config = DefaultQueryOptimizerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	qo := &QueryOptimizer{
		config: config,
		ml:     ml,
		logger: logger,
	}
	qo.rules = []rewriteRule{
		{
			name:      "predicate_pushdown",
			appliesTo: func(p *QueryPattern) bool { return len(p.Conditions) > 0 && len(p.Joins) > 0 },
			apply: func(query string, p *QueryPattern) (string, OptimizationTechnique) {
				return query, OptimizationTechnique{
					Name:          "predicate_pushdown",
					Description:   "Evaluate filter predicates before join operations",
					Impact:        ImpactHigh,
					AppliedTo:     conditionColumns(p),
					EstimatedGain: 15,
				}
			},
		},
		{
			name:      "join_reordering",
			appliesTo: func(p *QueryPattern) bool { return len(p.Joins) >= 2 },
			apply: func(query string, p *QueryPattern) (string, OptimizationTechnique) {
				return query, OptimizationTechnique{
					Name:          "join_reordering",
					Description:   "Order joins so the most selective pair executes first",
					Impact:        ImpactHigh,
					AppliedTo:     joinTables(p),
					EstimatedGain: 20,
				}
			},
		},
		{
			name:      "aggregation_optimization",
			appliesTo: func(p *QueryPattern) bool { return len(p.Aggregations) > 0 && len(p.GroupBy) > 0 },
			apply: func(query string, p *QueryPattern) (string, OptimizationTechnique) {
				return query, OptimizationTechnique{
					Name:          "aggregation_optimization",
					Description:   "Use hash aggregation keyed on the GROUP BY columns",
					Impact:        ImpactMedium,
					AppliedTo:     p.GroupBy,
					EstimatedGain: 18,
				}
			},
		},
		{
			name:      "limit_pushdown",
			appliesTo: func(p *QueryPattern) bool { return p.Limit > 0 && len(p.OrderBy) == 0 },
			apply: func(query string, p *QueryPattern) (string, OptimizationTechnique) {
				return query, OptimizationTechnique{
					Name:          "limit_pushdown",
					Description:   "Stop scanning once the row limit is satisfied",
					Impact:        ImpactLow,
					AppliedTo:     []string{"limit"},
					EstimatedGain: 10,
				}
			},
		},
	}
	return qo
}

func conditionColumns(p *QueryPattern) []string {
	cols := make([]string, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		cols = append(cols, c.Column)
	}
	return cols
}

func joinTables(p *QueryPattern) []string {
	tables := make([]string, 0, len(p.Joins))
	for _, j := range p.Joins {
		tables = append(tables, j.RightTable)
	}
	return tables
}

// Optimize applies rule-based, ML-learned, and time-series rewrites.
func (qo *QueryOptimizer) Optimize(query string, analysis *QueryAnalysis, ctx *QueryContext) *OptimizedQuery {
	atomic.AddInt64(&qo.queriesOptimized, 1)

	p := analysis.Pattern()
	result := &OptimizedQuery{
		Query:      query,
		Techniques: make([]OptimizationTechnique, 0),
	}

	// Ordered deterministic rules.
	for _, rule := range qo.rules {
		if !rule.appliesTo(p) {
			continue
		}
		rewritten, technique := rule.apply(result.Query, p)
		result.Query = rewritten
		result.Techniques = append(result.Techniques, technique)
		result.EstimatedImprovement += technique.EstimatedGain
	}

	// Learned rewrites layered on the rule-based result.
	if qo.ml != nil {
		mlPred := qo.ml.OptimizeQuery(result.Query, analysis, ctx)
		if mlPred.OptimizedQuery != "" && mlPred.Confidence > 0.5 {
			result.Query = mlPred.OptimizedQuery
		}
		var mlGain float64
		for _, t := range mlPred.Techniques {
			result.Techniques = append(result.Techniques, t)
			mlGain += t.EstimatedGain
		}
		if mlGain > qo.config.MaxMLImprovement {
			mlGain = qo.config.MaxMLImprovement
		}
		result.EstimatedImprovement += mlGain
	}

	// Domain-specific time-series rewrites.
	qo.applyTimeSeriesRewrites(result, p)

	if result.EstimatedImprovement > qo.config.MaxImprovement {
		result.EstimatedImprovement = qo.config.MaxImprovement
	}
	result.Confidence = confidenceFromTechniques(result.Techniques)

	return result
}

var (
	reBucketAgg  = regexp.MustCompile(`(?i)GROUP\s+BY\s+time\s*\(`)
	reRawRelTime = regexp.MustCompile(`(?i)now\(\)\s*-\s*(\d+)\s*(seconds?|minutes?|hours?|days?|weeks?)`)
)

var relUnitAbbrev = map[string]string{
	"second": "s", "seconds": "s",
	"minute": "m", "minutes": "m",
	"hour": "h", "hours": "h",
	"day": "d", "days": "d",
	"week": "w", "weeks": "w",
}

// applyTimeSeriesRewrites normalizes verbose relative time expressions and
// marks time-bucketed aggregations for incremental evaluation.
func (qo *QueryOptimizer) applyTimeSeriesRewrites(result *OptimizedQuery, p *QueryPattern) {
	if reRawRelTime.MatchString(result.Query) {
		result.Query = reRawRelTime.ReplaceAllStringFunc(result.Query, func(m string) string {
			parts := reRawRelTime.FindStringSubmatch(m)
			return fmt.Sprintf("now() - %s%s", parts[1], relUnitAbbrev[strings.ToLower(parts[2])])
		})
		result.Techniques = append(result.Techniques, OptimizationTechnique{
			Name:          "time_range_normalization",
			Description:   "Normalize relative time expressions to canonical duration form",
			Impact:        ImpactLow,
			AppliedTo:     []string{"time_range"},
			EstimatedGain: 3,
		})
		result.EstimatedImprovement += 3
	}

	if reBucketAgg.MatchString(result.Query) && len(p.Aggregations) > 0 {
		result.Techniques = append(result.Techniques, OptimizationTechnique{
			Name:          "time_bucket_aggregation",
			Description:   "Evaluate time-bucketed aggregates incrementally per bucket",
			Impact:        ImpactMedium,
			AppliedTo:     []string{"group_by", "aggregate"},
			EstimatedGain: 12,
		})
		result.EstimatedImprovement += 12
	}
}

// confidenceFromTechniques scores confidence from the impact mix, 0-100.
func confidenceFromTechniques(techniques []OptimizationTechnique) float64 {
	if len(techniques) == 0 {
		return 0
	}
	var score float64
	for _, t := range techniques {
		switch t.Impact {
		case ImpactHigh:
			score += 3
		case ImpactMedium:
			score += 2
		default:
			score += 1
		}
	}
	return score / float64(len(techniques)) / 3.0 * 100.0
}

// Step cost bases.
const (
	costTableScan = 100.0
	costPerFilter = 10.0
	costJoin      = 500.0
	costPerAgg    = 50.0
	costPerSort   = 30.0
	costLimit     = 1.0
)

// GenerateSteps builds the execution-step DAG in clause evaluation order:
// scan, filter, join, aggregate, sort, limit. Each stage depends on the
// immediately preceding stage's steps.
func (qo *QueryOptimizer) GenerateSteps(query string, analysis *QueryAnalysis) []ExecutionStep {
	p := analysis.Pattern()
	steps := make([]ExecutionStep, 0)
	nextID := 0
	newID := func() string {
		nextID++
		return fmt.Sprintf("step_%d", nextID)
	}

	scale := 1.0
	if p.TimeRange == nil {
		// Unbounded scans read everything.
		scale = 2.0
	}

	prevGroup := make([]string, 0)

	tables := p.Tables
	if len(tables) == 0 {
		tables = []string{"<unknown>"}
	}
	scanGroup := make([]string, 0, len(tables))
	for _, table := range tables {
		id := newID()
		steps = append(steps, ExecutionStep{
			ID:             id,
			Operation:      OpTableScan,
			Description:    fmt.Sprintf("Scan table %s", table),
			EstimatedCost:  costTableScan * scale,
			DependsOn:      []string{},
			Parallelizable: true,
		})
		scanGroup = append(scanGroup, id)
	}
	prevGroup = scanGroup

	if len(p.Conditions) > 0 {
		id := newID()
		steps = append(steps, ExecutionStep{
			ID:             id,
			Operation:      OpFilter,
			Description:    fmt.Sprintf("Apply %d filter predicates", len(p.Conditions)),
			EstimatedCost:  costPerFilter * float64(len(p.Conditions)),
			DependsOn:      prevGroup,
			Parallelizable: true,
		})
		prevGroup = []string{id}
	}

	for _, j := range p.Joins {
		id := newID()
		steps = append(steps, ExecutionStep{
			ID:             id,
			Operation:      OpJoin,
			Description:    fmt.Sprintf("%s join with %s", j.Kind, j.RightTable),
			EstimatedCost:  costJoin,
			DependsOn:      prevGroup,
			Parallelizable: false,
		})
		prevGroup = []string{id}
	}

	if len(p.Aggregations) > 0 {
		id := newID()
		steps = append(steps, ExecutionStep{
			ID:             id,
			Operation:      OpAggregate,
			Description:    fmt.Sprintf("Compute %d aggregates", len(p.Aggregations)),
			EstimatedCost:  costPerAgg * float64(len(p.Aggregations)),
			DependsOn:      prevGroup,
			Parallelizable: len(p.GroupBy) > 0,
		})
		prevGroup = []string{id}
	}

	if len(p.OrderBy) > 0 {
		id := newID()
		steps = append(steps, ExecutionStep{
			ID:             id,
			Operation:      OpSort,
			Description:    fmt.Sprintf("Sort by %d columns", len(p.OrderBy)),
			EstimatedCost:  costPerSort * float64(len(p.OrderBy)),
			DependsOn:      prevGroup,
			Parallelizable: false,
		})
		prevGroup = []string{id}
	}

	if p.Limit > 0 {
		id := newID()
		steps = append(steps, ExecutionStep{
			ID:             id,
			Operation:      OpLimit,
			Description:    fmt.Sprintf("Limit to %d rows", p.Limit),
			EstimatedCost:  costLimit,
			DependsOn:      prevGroup,
			Parallelizable: false,
		})
	}

	return steps
}

// AnalyzeParallelization groups mutually-independent parallelizable steps
// and flags expensive sequential steps as bottlenecks.
func (qo *QueryOptimizer) AnalyzeParallelization(steps []ExecutionStep) ParallelizationInfo {
	info := ParallelizationInfo{
		MaxParallelism: 1,
		ParallelGroups: make([][]string, 0),
		Bottlenecks:    make([]string, 0),
	}

	deps := make(map[string]map[string]bool, len(steps))
	for _, s := range steps {
		set := make(map[string]bool, len(s.DependsOn))
		for _, d := range s.DependsOn {
			set[d] = true
		}
		deps[s.ID] = set
	}

	assigned := make(map[string]bool)
	for i, s := range steps {
		if !s.Parallelizable || assigned[s.ID] {
			continue
		}
		group := []string{s.ID}
		assigned[s.ID] = true
		for j := i + 1; j < len(steps); j++ {
			c := steps[j]
			if !c.Parallelizable || assigned[c.ID] {
				continue
			}
			// Greedy pairwise check: no dependency either way against any
			// member already in the group.
			independent := true
			for _, member := range group {
				if deps[c.ID][member] || deps[member][c.ID] {
					independent = false
					break
				}
			}
			if independent {
				group = append(group, c.ID)
				assigned[c.ID] = true
			}
		}
		info.ParallelGroups = append(info.ParallelGroups, group)
		if len(group) > info.MaxParallelism {
			info.MaxParallelism = len(group)
		}
	}

	for _, s := range steps {
		if !s.Parallelizable && s.EstimatedCost > qo.config.BottleneckCost {
			info.Bottlenecks = append(info.Bottlenecks, s.ID)
		}
	}

	return info
}

// CalculateResourceRequirements derives memory bounds and resource classes
// from step composition, scaled by the context data-size factor.
func (qo *QueryOptimizer) CalculateResourceRequirements(steps []ExecutionStep, ctx *QueryContext) ResourceRequirements {
	req := ResourceRequirements{MinMemoryMB: 64, MaxMemoryMB: 256}

	joins, aggs, sorts, scans := 0, 0, 0, 0
	for _, s := range steps {
		switch s.Operation {
		case OpJoin:
			joins++
		case OpAggregate:
			aggs++
		case OpSort:
			sorts++
		case OpTableScan:
			scans++
		}
	}

	if joins > 0 {
		req.MinMemoryMB *= 2
		req.MaxMemoryMB *= float64(1 + joins)
		req.CPUIntensive = true
	}
	if aggs > 0 {
		req.MaxMemoryMB *= 1.5
		req.CPUIntensive = true
	}
	if sorts > 0 {
		req.MinMemoryMB *= 1.5
		req.MaxMemoryMB *= 1.5
		req.CPUIntensive = true
	}
	if scans > 0 {
		req.IOIntensive = true
	}
	if scans > 1 || joins > 1 {
		req.NetworkIntensive = true
	}

	if ctx != nil {
		factor := ctx.DataSize.ScaleFactor(10.0)
		req.MinMemoryMB *= factor
		req.MaxMemoryMB *= factor
	}

	return req
}

// RecommendIndexes suggests indexes for filter, join, and sort columns that
// are not already covered by known indexes.
func (qo *QueryOptimizer) RecommendIndexes(analysis *QueryAnalysis, ctx *QueryContext) []Recommendation {
	p := analysis.Pattern()
	recs := make([]Recommendation, 0)

	table := ""
	if len(p.Tables) > 0 {
		table = p.Tables[0]
	}
	indexed := ctx.IndexedColumns(table)

	suggest := func(column, origin string, benefit float64, priority int) {
		if column == "" || column == "*" || indexed[column] {
			return
		}
		recs = append(recs, Recommendation{
			Kind:             RecommendIndex,
			Priority:         priority,
			Title:            fmt.Sprintf("Create index on %s", column),
			Description:      fmt.Sprintf("Column %s is used in %s but has no covering index", column, origin),
			Implementation:   fmt.Sprintf("CREATE INDEX idx_%s_%s ON %s (%s)", table, column, table, column),
			EstimatedBenefit: benefit,
		})
	}

	for _, c := range p.Conditions {
		if strings.EqualFold(c.Column, "time") {
			continue
		}
		suggest(c.Column, "WHERE predicates", 40, 8)
	}
	for _, j := range p.Joins {
		for _, col := range extractJoinColumns(j.Condition) {
			suggest(col, "join conditions", 35, 7)
		}
	}
	for _, o := range p.OrderBy {
		suggest(o.Column, "ORDER BY", 25, 5)
	}

	return dedupeRecommendations(recs)
}

var reJoinColumn = regexp.MustCompile(`[\w]+\.([\w]+)`)

func extractJoinColumns(condition string) []string {
	cols := make([]string, 0)
	for _, m := range reJoinColumn.FindAllStringSubmatch(condition, -1) {
		cols = append(cols, m[1])
	}
	return cols
}

// RecommendRewrites suggests textual rewrites for known anti-patterns.
func (qo *QueryOptimizer) RecommendRewrites(query string, analysis *QueryAnalysis) []Recommendation {
	p := analysis.Pattern()
	recs := make([]Recommendation, 0)
	upper := strings.ToUpper(query)

	if len(p.Columns) == 1 && p.Columns[0] == "*" {
		recs = append(recs, Recommendation{
			Kind:             RecommendQueryRewrite,
			Priority:         6,
			Title:            "Replace SELECT * with an explicit column list",
			Description:      "Wildcard selects transfer and decode unused columns",
			Implementation:   "List only the fields the dashboard or client consumes",
			EstimatedBenefit: 15,
		})
	}
	if strings.Contains(upper, " IN (SELECT") {
		recs = append(recs, Recommendation{
			Kind:             RecommendQueryRewrite,
			Priority:         7,
			Title:            "Rewrite IN (subquery) as EXISTS",
			Description:      "Correlated EXISTS can short-circuit where IN materializes the subquery",
			Implementation:   "Replace `col IN (SELECT ...)` with `EXISTS (SELECT 1 ...)`",
			EstimatedBenefit: 20,
		})
	}
	if strings.Contains(upper, "DISTINCT") {
		recs = append(recs, Recommendation{
			Kind:             RecommendQueryRewrite,
			Priority:         4,
			Title:            "Avoid DISTINCT where grouping already deduplicates",
			Description:      "DISTINCT forces an extra sort or hash pass over the result",
			Implementation:   "Drop DISTINCT when GROUP BY keys already guarantee uniqueness",
			EstimatedBenefit: 10,
		})
	}

	return recs
}

// RecommendConfiguration flags mismatches between estimated resource needs
// and the live context.
func (qo *QueryOptimizer) RecommendConfiguration(analysis *QueryAnalysis, req ResourceRequirements, ctx *QueryContext) []Recommendation {
	recs := make([]Recommendation, 0)
	if ctx == nil {
		return recs
	}

	headroomMB := (100 - ctx.SystemLoad.Memory) * 40.96 // of a 4GB reference node
	if req.MaxMemoryMB > headroomMB {
		recs = append(recs, Recommendation{
			Kind:             RecommendConfiguration,
			Priority:         8,
			Title:            "Increase query memory budget",
			Description:      fmt.Sprintf("Query may need %.0fMB but only ~%.0fMB headroom is available", req.MaxMemoryMB, headroomMB),
			Implementation:   "Raise max-memory-per-query or schedule during off-peak hours",
			EstimatedBenefit: 25,
		})
	}
	if req.IOIntensive && ctx.SystemLoad.Disk > 70 {
		recs = append(recs, Recommendation{
			Kind:             RecommendConfiguration,
			Priority:         6,
			Title:            "Increase block cache size",
			Description:      "IO-heavy query while disk utilization is already elevated",
			Implementation:   "Grow the storage block cache to absorb repeated range reads",
			EstimatedBenefit: 20,
		})
	}
	if analysis.Pattern().TimeRange == nil && analysis.Complexity.Level != ComplexitySimple {
		recs = append(recs, Recommendation{
			Kind:             RecommendPartitioning,
			Priority:         5,
			Title:            "Partition large tables by time",
			Description:      "Unbounded complex queries benefit from partition pruning",
			Implementation:   "Enable time-based partitioning with a retention-aligned interval",
			EstimatedBenefit: 30,
		})
	}

	return recs
}

func dedupeRecommendations(recs []Recommendation) []Recommendation {
	seen := make(map[string]bool, len(recs))
	out := recs[:0]
	for _, r := range recs {
		if seen[r.Title] {
			continue
		}
		seen[r.Title] = true
		out = append(out, r)
	}
	return out
}

// QueriesOptimized returns the total number of Optimize calls.
func (qo *QueryOptimizer) QueriesOptimized() int64 {
	return atomic.LoadInt64(&qo.queriesOptimized)
}

// sortRecommendations orders by estimated benefit descending.
func sortRecommendations(recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].EstimatedBenefit > recs[j].EstimatedBenefit
	})
}
