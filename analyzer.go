package querypilot

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueryKind classifies the leading verb of a query.
type QueryKind string

const (
	KindSelect  QueryKind = "SELECT"
	KindInsert  QueryKind = "INSERT"
	KindUpdate  QueryKind = "UPDATE"
	KindDelete  QueryKind = "DELETE"
	KindCreate  QueryKind = "CREATE"
	KindDrop    QueryKind = "DROP"
	KindShow    QueryKind = "SHOW"
	KindUnknown QueryKind = "UNKNOWN"
)

// ClauseKind distinguishes WHERE from HAVING conditions.
type ClauseKind string

const (
	ClauseWhere  ClauseKind = "WHERE"
	ClauseHaving ClauseKind = "HAVING"
)

// Condition is a single predicate extracted from a WHERE or HAVING clause.
type Condition struct {
	Column   string     `json:"column"`
	Operator string     `json:"operator"`
	Value    string     `json:"value"`
	Clause   ClauseKind `json:"clause"`
}

// Join describes one join clause.
type Join struct {
	Kind       string `json:"kind"` // INNER, LEFT, RIGHT, FULL, CROSS
	LeftTable  string `json:"left_table"`
	RightTable string `json:"right_table"`
	Condition  string `json:"condition"`
}

// Aggregation is one aggregate function call in the select list.
type Aggregation struct {
	Function string `json:"function"`
	Column   string `json:"column"`
	Alias    string `json:"alias,omitempty"`
}

// OrderBy is one ordering term.
type OrderBy struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// TimeRange is the time window a query covers, either as two literal bounds
// or as a relative now()-based window.
type TimeRange struct {
	Start    string        `json:"start,omitempty"`
	End      string        `json:"end,omitempty"`
	Relative time.Duration `json:"relative,omitempty"`
}

// QueryPattern is the structured representation of a parsed query.
// Patterns are immutable once produced by Analyze.
type QueryPattern struct {
	Kind         QueryKind     `json:"kind"`
	Tables       []string      `json:"tables"`
	Columns      []string      `json:"columns"`
	Conditions   []Condition   `json:"conditions"`
	Joins        []Join        `json:"joins"`
	Aggregations []Aggregation `json:"aggregations"`
	OrderBy      []OrderBy     `json:"order_by"`
	GroupBy      []string      `json:"group_by"`
	Limit        int           `json:"limit,omitempty"`
	Offset       int           `json:"offset,omitempty"`
	TimeRange    *TimeRange    `json:"time_range,omitempty"`
}

// HasTimeFilter reports whether the query filters on a time column.
func (p *QueryPattern) HasTimeFilter() bool {
	if p.TimeRange != nil {
		return true
	}
	for _, c := range p.Conditions {
		if strings.EqualFold(c.Column, "time") || strings.EqualFold(c.Column, "timestamp") {
			return true
		}
	}
	return false
}

// ComplexityLevel discretizes a complexity score.
type ComplexityLevel string

const (
	ComplexitySimple      ComplexityLevel = "simple"
	ComplexityMedium      ComplexityLevel = "medium"
	ComplexityComplex     ComplexityLevel = "complex"
	ComplexityVeryComplex ComplexityLevel = "very_complex"
)

// complexityLevelFor maps a score to its level. Pure function of score.
func complexityLevelFor(score float64) ComplexityLevel {
	switch {
	case score < 20:
		return ComplexitySimple
	case score < 50:
		return ComplexityMedium
	case score < 100:
		return ComplexityComplex
	default:
		return ComplexityVeryComplex
	}
}

// ComplexityFactor is one weighted contributor to the complexity score.
type ComplexityFactor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// QueryComplexity is the scored structural complexity of a query.
type QueryComplexity struct {
	Score   float64            `json:"score"`
	Level   ComplexityLevel    `json:"level"`
	Factors []ComplexityFactor `json:"factors"`
}

// ResourceUsage is an estimate of the resources a query will consume.
// Memory is in MB, CPU in abstract units, IO in operations, Network in KB.
type ResourceUsage struct {
	Memory  float64 `json:"memory"`
	CPU     float64 `json:"cpu"`
	IO      float64 `json:"io"`
	Network float64 `json:"network"`
}

// QueryAnalysis is the full output of QueryAnalyzer.Analyze.
type QueryAnalysis struct {
	Query         string          `json:"query"`
	Patterns      []QueryPattern  `json:"patterns"`
	Complexity    QueryComplexity `json:"complexity"`
	ResourceUsage ResourceUsage   `json:"resource_usage"`
	Warnings      []string        `json:"warnings"`
	Tags          []string        `json:"tags"`
	AnalyzedAt    time.Time       `json:"analyzed_at"`
}

// Pattern returns the primary pattern. Analyze always produces at least one.
func (a *QueryAnalysis) Pattern() *QueryPattern {
	if len(a.Patterns) == 0 {
		return &QueryPattern{Kind: KindUnknown}
	}
	return &a.Patterns[0]
}

// QueryDependency marks that one query in a batch depends on another.
type QueryDependency struct {
	SourceIndex    int     `json:"source_index"`
	DependentIndex int     `json:"dependent_index"`
	Type           string  `json:"type"` // table_overlap, ddl
	Strength       float64 `json:"strength"`
}

// QueryPerformanceRecord is one observed execution of a query.
type QueryPerformanceRecord struct {
	Query         string        `json:"query"`
	ExecutionTime time.Duration `json:"execution_time"`
	RowsAffected  int64         `json:"rows_affected"`
	MemoryUsed    int64         `json:"memory_used"`
	Success       bool          `json:"success"`
	Timestamp     time.Time     `json:"timestamp"`
}

// QuerySummary aggregates observed executions of one query hash.
type QuerySummary struct {
	Query       string        `json:"query"`
	Count       int           `json:"count"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	ErrorCount  int           `json:"error_count"`
}

// QueryStatistics aggregates recorded history for an endpoint.
type QueryStatistics struct {
	TotalQueries    int64          `json:"total_queries"`
	AvgExecution    time.Duration  `json:"avg_execution"`
	ErrorRate       float64        `json:"error_rate"`
	SlowQueries     []QuerySummary `json:"slow_queries"`
	FrequentQueries []QuerySummary `json:"frequent_queries"`
	AvgMemoryUsed   int64          `json:"avg_memory_used"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// QueryAnalyzerConfig configures the analyzer.
type QueryAnalyzerConfig struct {
	// MaxRecordsPerQuery bounds the rolling performance history per query hash.
	MaxRecordsPerQuery int

	// SlowQueryThreshold marks a recorded execution as slow.
	SlowQueryThreshold time.Duration
}

// DefaultQueryAnalyzerConfig returns default configuration.
func DefaultQueryAnalyzerConfig() QueryAnalyzerConfig {
	return QueryAnalyzerConfig{
		MaxRecordsPerQuery: 100,
		SlowQueryThreshold: time.Second,
	}
}

// QueryAnalyzer parses query strings into structural patterns and maintains
// a rolling per-query execution history. Parsing is intentionally lexical:
// the surrounding scoring logic is tuned against heuristic extraction, not a
// full grammar.
type QueryAnalyzer struct {
	config QueryAnalyzerConfig
	logger *zap.Logger

	history   map[string][]QueryPerformanceRecord
	historyMu sync.RWMutex
}

// NewQueryAnalyzer creates a query analyzer.
func NewQueryAnalyzer(config QueryAnalyzerConfig, logger *zap.Logger) *QueryAnalyzer {
	if config.MaxRecordsPerQuery <= 0 {
		config.MaxRecordsPerQuery = 100
	}
	if config.SlowQueryThreshold <= 0 {
		config.SlowQueryThreshold = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryAnalyzer{
		config:  config,
		logger:  logger,
		history: make(map[string][]QueryPerformanceRecord),
	}
}

var (
	reFrom      = regexp.MustCompile(`(?i)\bFROM\s+([\w"\.,\s]+?)(?:\s+(?:WHERE|GROUP|ORDER|LIMIT|INNER|LEFT|RIGHT|FULL|CROSS|JOIN|HAVING|OFFSET)\b|$)`)
	reInto      = regexp.MustCompile(`(?i)\bINTO\s+([\w"\.]+)`)
	reUpdate    = regexp.MustCompile(`(?i)^\s*UPDATE\s+([\w"\.]+)`)
	reJoin      = regexp.MustCompile(`(?i)\b(INNER|LEFT(?:\s+OUTER)?|RIGHT(?:\s+OUTER)?|FULL(?:\s+OUTER)?|CROSS)?\s*JOIN\s+([\w"\.]+)(?:\s+ON\s+([\w"\.]+\s*=\s*[\w"\.]+))?`)
	reAgg       = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MEAN|MIN|MAX|MEDIAN|STDDEV|PERCENTILE)\s*\(\s*([\w\*"\.]+)[^)]*\)(?:\s+AS\s+(\w+))?`)
	reWhere     = regexp.MustCompile(`(?i)\bWHERE\s+(.+?)(?:\s+(?:GROUP\s+BY|ORDER\s+BY|LIMIT|HAVING|OFFSET)\b|$)`)
	reHaving    = regexp.MustCompile(`(?i)\bHAVING\s+(.+?)(?:\s+(?:ORDER\s+BY|LIMIT|OFFSET)\b|$)`)
	reOrderBy   = regexp.MustCompile(`(?i)\bORDER\s+BY\s+(.+?)(?:\s+(?:LIMIT|OFFSET)\b|$)`)
	reGroupBy   = regexp.MustCompile(`(?i)\bGROUP\s+BY\s+(.+?)(?:\s+(?:ORDER\s+BY|LIMIT|HAVING|OFFSET)\b|$)`)
	reLimit     = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)
	reOffset    = regexp.MustCompile(`(?i)\bOFFSET\s+(\d+)`)
	reCondition = regexp.MustCompile(`([\w"\.\(\)]+)\s*(>=|<=|!=|<>|=~|!~|=|>|<|\bLIKE\b|\bIN\b)\s*('[^']*'|"[^"]*"|[\w\.\(\)\-\+\s]+?)(?:\s+(?:AND|OR)\b|$)`)
	reRelTime   = regexp.MustCompile(`(?i)\btime\s*(?:>=?|>)\s*now\(\)\s*-\s*(\d+)([smhdw])`)
	reTimeLower = regexp.MustCompile(`(?i)\btime(?:stamp)?\s*(?:>=?|>)\s*'([^']+)'`)
	reTimeUpper = regexp.MustCompile(`(?i)\btime(?:stamp)?\s*(?:<=?|<)\s*'([^']+)'`)
	reSelect    = regexp.MustCompile(`(?i)^\s*SELECT\s+(.+?)\s+FROM\b`)
)

// Analyze parses a query string and scores it. Anomalies are never fatal:
// an unparseable query yields a best-effort pattern plus warnings.
func (qa *QueryAnalyzer) Analyze(query string, ctx *QueryContext) *QueryAnalysis {
	analysis := &QueryAnalysis{
		Query:      query,
		Warnings:   make([]string, 0),
		Tags:       make([]string, 0),
		AnalyzedAt: time.Now(),
	}

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		analysis.Patterns = []QueryPattern{{Kind: KindUnknown}}
		analysis.Complexity = QueryComplexity{Score: 0, Level: ComplexitySimple}
		analysis.ResourceUsage = baseResourceUsage()
		analysis.Warnings = append(analysis.Warnings, "Empty query")
		return analysis
	}

	pattern := qa.parsePattern(trimmed)
	analysis.Patterns = []QueryPattern{pattern}
	analysis.Complexity = qa.scoreComplexity(&pattern)
	analysis.ResourceUsage = qa.estimateResources(&pattern, ctx)
	analysis.Warnings = qa.collectWarnings(&pattern, ctx)
	analysis.Tags = qa.deriveTags(&pattern, &analysis.Complexity, ctx)

	return analysis
}

func (qa *QueryAnalyzer) parsePattern(query string) QueryPattern {
	pattern := QueryPattern{
		Kind:         classifyKind(query),
		Tables:       make([]string, 0),
		Columns:      make([]string, 0),
		Conditions:   make([]Condition, 0),
		Joins:        make([]Join, 0),
		Aggregations: make([]Aggregation, 0),
		OrderBy:      make([]OrderBy, 0),
		GroupBy:      make([]string, 0),
	}

	pattern.Tables = extractTables(query)
	pattern.Columns = extractColumns(query)
	pattern.Joins = extractJoins(query, pattern.Tables)
	pattern.Aggregations = extractAggregations(query)
	pattern.Conditions = extractConditions(query)
	pattern.OrderBy = extractOrderBy(query)
	pattern.GroupBy = extractGroupBy(query)
	pattern.TimeRange = extractTimeRange(query)

	if m := reLimit.FindStringSubmatch(query); m != nil {
		pattern.Limit, _ = strconv.Atoi(m[1])
	}
	if m := reOffset.FindStringSubmatch(query); m != nil {
		pattern.Offset, _ = strconv.Atoi(m[1])
	}

	return pattern
}

func classifyKind(query string) QueryKind {
	fields := strings.Fields(strings.ToUpper(query))
	if len(fields) == 0 {
		return KindUnknown
	}
	switch fields[0] {
	case "SELECT":
		return KindSelect
	case "INSERT":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	case "CREATE":
		return KindCreate
	case "DROP":
		return KindDrop
	case "SHOW":
		return KindShow
	default:
		return KindUnknown
	}
}

func cleanIdentifier(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func extractTables(query string) []string {
	seen := make(map[string]bool)
	tables := make([]string, 0)

	add := func(name string) {
		name = cleanIdentifier(name)
		if name == "" || seen[strings.ToLower(name)] {
			return
		}
		seen[strings.ToLower(name)] = true
		tables = append(tables, name)
	}

	for _, m := range reFrom.FindAllStringSubmatch(query, -1) {
		for _, part := range strings.Split(m[1], ",") {
			// Strip aliases: "measurements m" -> "measurements".
			fields := strings.Fields(part)
			if len(fields) > 0 {
				add(fields[0])
			}
		}
	}
	if m := reInto.FindStringSubmatch(query); m != nil {
		add(m[1])
	}
	if m := reUpdate.FindStringSubmatch(query); m != nil {
		add(m[1])
	}
	// CREATE TABLE / DROP TABLE targets.
	if m := regexp.MustCompile(`(?i)\b(?:CREATE|DROP)\s+TABLE\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?([\w"\.]+)`).FindStringSubmatch(query); m != nil {
		add(m[1])
	}
	return tables
}

func extractColumns(query string) []string {
	m := reSelect.FindStringSubmatch(query)
	if m == nil {
		return nil
	}
	raw := m[1]
	if strings.TrimSpace(raw) == "*" {
		return []string{"*"}
	}
	cols := make([]string, 0)
	depth := 0
	current := strings.Builder{}
	flush := func() {
		col := cleanIdentifier(current.String())
		if col != "" {
			cols = append(cols, col)
		}
		current.Reset()
	}
	for _, r := range raw {
		switch r {
		case '(':
			depth++
			current.WriteRune(r)
		case ')':
			depth--
			current.WriteRune(r)
		case ',':
			if depth == 0 {
				flush()
			} else {
				current.WriteRune(r)
			}
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return cols
}

func extractJoins(query string, tables []string) []Join {
	joins := make([]Join, 0)
	left := ""
	if len(tables) > 0 {
		left = tables[0]
	}
	for _, m := range reJoin.FindAllStringSubmatch(query, -1) {
		kind := strings.ToUpper(strings.Fields(m[1] + " INNER")[0])
		right := cleanIdentifier(m[2])
		joins = append(joins, Join{
			Kind:       kind,
			LeftTable:  left,
			RightTable: right,
			Condition:  strings.TrimSpace(m[3]),
		})
		// Chained joins attach to the previous right side.
		left = right
	}
	return joins
}

func extractAggregations(query string) []Aggregation {
	aggs := make([]Aggregation, 0)
	for _, m := range reAgg.FindAllStringSubmatch(query, -1) {
		aggs = append(aggs, Aggregation{
			Function: strings.ToUpper(m[1]),
			Column:   cleanIdentifier(m[2]),
			Alias:    m[3],
		})
	}
	return aggs
}

func extractConditions(query string) []Condition {
	conditions := make([]Condition, 0)
	if m := reWhere.FindStringSubmatch(query); m != nil {
		conditions = append(conditions, parseClauseConditions(m[1], ClauseWhere)...)
	}
	if m := reHaving.FindStringSubmatch(query); m != nil {
		conditions = append(conditions, parseClauseConditions(m[1], ClauseHaving)...)
	}
	return conditions
}

func parseClauseConditions(clause string, kind ClauseKind) []Condition {
	parts := regexp.MustCompile(`(?i)\s+(?:AND|OR)\s+`).Split(clause, -1)
	conditions := make([]Condition, 0, len(parts))
	for _, part := range parts {
		m := reCondition.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			continue
		}
		conditions = append(conditions, Condition{
			Column:   cleanIdentifier(m[1]),
			Operator: strings.ToUpper(strings.TrimSpace(m[2])),
			Value:    strings.TrimSpace(m[3]),
			Clause:   kind,
		})
	}
	return conditions
}

func extractOrderBy(query string) []OrderBy {
	m := reOrderBy.FindStringSubmatch(query)
	if m == nil {
		return nil
	}
	terms := make([]OrderBy, 0)
	for _, part := range strings.Split(m[1], ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		term := OrderBy{Column: cleanIdentifier(fields[0])}
		if len(fields) > 1 && strings.EqualFold(fields[1], "DESC") {
			term.Descending = true
		}
		terms = append(terms, term)
	}
	return terms
}

func extractGroupBy(query string) []string {
	m := reGroupBy.FindStringSubmatch(query)
	if m == nil {
		return nil
	}
	groups := make([]string, 0)
	for _, part := range strings.Split(m[1], ",") {
		g := strings.TrimSpace(part)
		if g != "" {
			groups = append(groups, cleanIdentifier(g))
		}
	}
	return groups
}

var relativeUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

func extractTimeRange(query string) *TimeRange {
	if m := reRelTime.FindStringSubmatch(query); m != nil {
		n, _ := strconv.Atoi(m[1])
		return &TimeRange{Relative: time.Duration(n) * relativeUnits[strings.ToLower(m[2])]}
	}
	lower := reTimeLower.FindStringSubmatch(query)
	upper := reTimeUpper.FindStringSubmatch(query)
	if lower == nil && upper == nil {
		return nil
	}
	tr := &TimeRange{}
	if lower != nil {
		tr.Start = lower[1]
	}
	if upper != nil {
		tr.End = upper[1]
	}
	return tr
}

// Complexity scoring weights.
const (
	weightTable     = 10
	weightJoin      = 20
	weightCondition = 5
	weightAggregate = 15
	weightOrderBy   = 10
	weightTimeRange = 5
)

func (qa *QueryAnalyzer) scoreComplexity(p *QueryPattern) QueryComplexity {
	factors := make([]ComplexityFactor, 0)
	score := 0.0

	addFactor := func(count int, weight float64, name, desc string) {
		if count == 0 {
			return
		}
		contribution := float64(count) * weight
		score += contribution
		factors = append(factors, ComplexityFactor{Name: name, Weight: contribution, Description: desc})
	}

	addFactor(len(p.Tables), weightTable, "tables", "referenced tables")
	addFactor(len(p.Joins), weightJoin, "joins", "join clauses")
	addFactor(len(p.Conditions), weightCondition, "conditions", "filter predicates")
	addFactor(len(p.Aggregations), weightAggregate, "aggregations", "aggregate functions")
	addFactor(len(p.OrderBy), weightOrderBy, "order_by", "sort columns")
	if p.TimeRange != nil {
		score += weightTimeRange
		factors = append(factors, ComplexityFactor{Name: "time_range", Weight: weightTimeRange, Description: "time range filter"})
	}

	return QueryComplexity{
		Score:   score,
		Level:   complexityLevelFor(score),
		Factors: factors,
	}
}

func baseResourceUsage() ResourceUsage {
	return ResourceUsage{Memory: 64, CPU: 10, IO: 50, Network: 10}
}

func (qa *QueryAnalyzer) estimateResources(p *QueryPattern, ctx *QueryContext) ResourceUsage {
	usage := baseResourceUsage()

	usage.Memory += float64(len(p.Tables)) * 32
	usage.IO += float64(len(p.Tables)) * 25
	usage.Network += float64(len(p.Tables)) * 5

	usage.Memory += float64(len(p.Joins)) * 48
	usage.CPU += float64(len(p.Joins)) * 15
	usage.IO += float64(len(p.Joins)) * 20

	usage.Memory += float64(len(p.Aggregations)) * 16
	usage.CPU += float64(len(p.Aggregations)) * 10

	usage.Memory += float64(len(p.OrderBy)) * 8
	usage.CPU += float64(len(p.OrderBy)) * 5

	if ctx != nil {
		factor := ctx.DataSize.ScaleFactor(5.0)
		usage.Memory *= factor
		usage.CPU *= factor
		usage.IO *= factor
		usage.Network *= factor
	}
	return usage
}

func (qa *QueryAnalyzer) collectWarnings(p *QueryPattern, ctx *QueryContext) []string {
	warnings := make([]string, 0)

	if p.Kind == KindSelect && p.Limit == 0 {
		warnings = append(warnings, "Query without LIMIT may return large result sets")
	}
	if p.Kind == KindSelect && len(p.Conditions) == 0 {
		warnings = append(warnings, "Query without WHERE clause will scan entire table")
	}
	if len(p.Joins) > 3 {
		warnings = append(warnings, "Complex multi-join query may be slow, consider denormalization")
	}
	if p.TimeRange != nil && !hasTimeIndex(p, ctx) {
		warnings = append(warnings, "Time range filter without a time index will scan full partitions")
	}
	if len(p.Aggregations) > 0 && len(p.GroupBy) == 0 {
		warnings = append(warnings, "Aggregation without GROUP BY collapses all rows")
	}

	return warnings
}

func hasTimeIndex(p *QueryPattern, ctx *QueryContext) bool {
	if ctx == nil || len(ctx.Indexes) == 0 {
		// Time-series stores index time by default.
		return true
	}
	for _, t := range p.Tables {
		cols := ctx.IndexedColumns(t)
		if cols["time"] || cols["timestamp"] {
			return true
		}
	}
	return false
}

func (qa *QueryAnalyzer) deriveTags(p *QueryPattern, c *QueryComplexity, ctx *QueryContext) []string {
	tags := []string{strings.ToLower(string(p.Kind)), string(c.Level)}
	if len(p.Aggregations) > 0 {
		tags = append(tags, "aggregation")
	}
	if len(p.Joins) > 0 {
		tags = append(tags, "join")
	}
	if p.TimeRange != nil {
		tags = append(tags, "time_range")
	}
	if ctx != nil {
		if ctx.DataSize != nil && ctx.DataSize.EstimatedRows > 1_000_000 {
			tags = append(tags, "large_dataset")
		}
		if ctx.SystemLoad.Normalized() > 0.8 {
			tags = append(tags, "high_load")
		}
	}
	return tags
}

// AnalyzeDependencies detects pairwise dependencies between queries in a
// batch via table overlap. A later query referencing a table an earlier
// query writes or creates depends on it.
func (qa *QueryAnalyzer) AnalyzeDependencies(queries []string) []QueryDependency {
	patterns := make([]QueryPattern, len(queries))
	for i, q := range queries {
		patterns[i] = qa.parsePattern(strings.TrimSpace(q))
	}

	deps := make([]QueryDependency, 0)
	for i := 0; i < len(patterns); i++ {
		for j := i + 1; j < len(patterns); j++ {
			overlap := tableOverlap(patterns[i].Tables, patterns[j].Tables)
			if overlap == 0 {
				continue
			}
			depType := "table_overlap"
			if writesTables(patterns[i].Kind) {
				depType = "ddl"
			} else if !writesTables(patterns[j].Kind) && patterns[j].Kind == KindSelect && patterns[i].Kind == KindSelect {
				// Two reads over the same tables are order-independent.
				continue
			}
			deps = append(deps, QueryDependency{
				SourceIndex:    i,
				DependentIndex: j,
				Type:           depType,
				Strength:       overlap,
			})
		}
	}
	return deps
}

func writesTables(kind QueryKind) bool {
	switch kind {
	case KindInsert, KindUpdate, KindDelete, KindCreate, KindDrop:
		return true
	}
	return false
}

func tableOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[strings.ToLower(t)] = true
	}
	shared := 0
	for _, t := range b {
		if set[strings.ToLower(t)] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// queryHash keys the rolling performance history.
func queryHash(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:8])
}

// RecordPerformance appends an observed execution to the rolling history for
// the query. The per-query history is bounded; oldest records are evicted.
func (qa *QueryAnalyzer) RecordPerformance(query string, result *QueryExecutionResult) {
	record := QueryPerformanceRecord{
		Query:         query,
		ExecutionTime: result.ExecutionTime,
		RowsAffected:  result.RowsAffected,
		MemoryUsed:    result.MemoryUsed,
		Success:       result.Success,
		Timestamp:     time.Now(),
	}

	key := queryHash(query)
	qa.historyMu.Lock()
	records := append(qa.history[key], record)
	if len(records) > qa.config.MaxRecordsPerQuery {
		records = records[len(records)-qa.config.MaxRecordsPerQuery:]
	}
	qa.history[key] = records
	qa.historyMu.Unlock()
}

// HistoricalRecords returns the recorded executions for a query, oldest first.
func (qa *QueryAnalyzer) HistoricalRecords(query string) []QueryPerformanceRecord {
	qa.historyMu.RLock()
	defer qa.historyMu.RUnlock()
	records := qa.history[queryHash(query)]
	out := make([]QueryPerformanceRecord, len(records))
	copy(out, records)
	return out
}

// GetStatistics aggregates recorded history. A nil timeRange means all time.
func (qa *QueryAnalyzer) GetStatistics(endpoint string, since time.Time) QueryStatistics {
	qa.historyMu.RLock()
	defer qa.historyMu.RUnlock()

	stats := QueryStatistics{GeneratedAt: time.Now()}
	summaries := make(map[string]*QuerySummary)

	var totalDuration time.Duration
	var totalMemory int64
	var errorCount int64

	for _, records := range qa.history {
		for _, r := range records {
			if !since.IsZero() && r.Timestamp.Before(since) {
				continue
			}
			stats.TotalQueries++
			totalDuration += r.ExecutionTime
			totalMemory += r.MemoryUsed
			if !r.Success {
				errorCount++
			}

			s, ok := summaries[r.Query]
			if !ok {
				s = &QuerySummary{Query: r.Query}
				summaries[r.Query] = s
			}
			s.Count++
			s.AvgDuration += r.ExecutionTime
			if r.ExecutionTime > s.MaxDuration {
				s.MaxDuration = r.ExecutionTime
			}
			if !r.Success {
				s.ErrorCount++
			}
		}
	}

	if stats.TotalQueries > 0 {
		stats.AvgExecution = totalDuration / time.Duration(stats.TotalQueries)
		stats.ErrorRate = float64(errorCount) / float64(stats.TotalQueries)
		stats.AvgMemoryUsed = totalMemory / stats.TotalQueries
	}

	all := make([]QuerySummary, 0, len(summaries))
	for _, s := range summaries {
		s.AvgDuration /= time.Duration(s.Count)
		all = append(all, *s)
	}

	slow := make([]QuerySummary, 0)
	for _, s := range all {
		if s.AvgDuration >= qa.config.SlowQueryThreshold {
			slow = append(slow, s)
		}
	}
	sort.Slice(slow, func(i, j int) bool { return slow[i].AvgDuration > slow[j].AvgDuration })
	if len(slow) > 10 {
		slow = slow[:10]
	}
	stats.SlowQueries = slow

	sort.Slice(all, func(i, j int) bool { return all[i].Count > all[j].Count })
	if len(all) > 10 {
		all = all[:10]
	}
	stats.FrequentQueries = all

	return stats
}
