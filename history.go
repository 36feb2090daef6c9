package querypilot

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// UserFeedback is a user's verdict on one optimization.
type UserFeedback struct {
	Rating      int       `json:"rating"` // 1-5
	Comment     string    `json:"comment,omitempty"`
	Helpful     bool      `json:"helpful"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// HistoryMetadata is derived summary data stored with each entry.
type HistoryMetadata struct {
	QueryType        QueryKind       `json:"query_type"`
	Complexity       ComplexityLevel `json:"complexity"`
	Techniques       []string        `json:"techniques"`
	EstimatedBenefit float64         `json:"estimated_benefit"`
	ActualBenefit    float64         `json:"actual_benefit"`
	Confidence       float64         `json:"confidence"`
}

// OptimizationHistoryEntry is one persisted optimization decision.
// Performance and Feedback are each set at most once after creation; the
// rest of the entry is append-only.
type OptimizationHistoryEntry struct {
	ID             string                   `json:"id"`
	Timestamp      time.Time                `json:"timestamp"`
	Endpoint       string                   `json:"endpoint,omitempty"`
	Database       string                   `json:"database,omitempty"`
	OriginalQuery  string                   `json:"original_query"`
	OptimizedQuery string                   `json:"optimized_query"`
	Result         *QueryOptimizationResult `json:"result,omitempty"`
	Context        *QueryContext            `json:"context,omitempty"`
	Performance    *QueryExecutionResult    `json:"performance,omitempty"`
	Feedback       *UserFeedback            `json:"feedback,omitempty"`
	Tags           []string                 `json:"tags"`
	Metadata       HistoryMetadata          `json:"metadata"`
}

// HistoryFilter narrows history queries. Zero-valued fields match all.
type HistoryFilter struct {
	Endpoint  string
	Database  string
	QueryType QueryKind
	Tags      []string
	Since     time.Time
	Until     time.Time
	MinGain   float64
}

func (f *HistoryFilter) matches(e *OptimizationHistoryEntry) bool {
	if f == nil {
		return true
	}
	if f.Endpoint != "" && e.Endpoint != f.Endpoint {
		return false
	}
	if f.Database != "" && e.Database != f.Database {
		return false
	}
	if f.QueryType != "" && e.Metadata.QueryType != f.QueryType {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.MinGain > 0 && e.Metadata.EstimatedBenefit < f.MinGain {
		return false
	}
	for _, tag := range f.Tags {
		found := false
		for _, t := range e.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TechniqueEffectiveness aggregates outcomes for one technique name.
type TechniqueEffectiveness struct {
	Count       int     `json:"count"`
	AvgGain     float64 `json:"avg_gain"`
	SuccessRate float64 `json:"success_rate"`
	AvgRating   float64 `json:"avg_rating"`
}

// HistoryStatistics summarizes the ledger.
type HistoryStatistics struct {
	TotalEntries     int                               `json:"total_entries"`
	SuccessfulCount  int                               `json:"successful_count"`
	AvgEstimatedGain float64                           `json:"avg_estimated_gain"`
	AvgActualGain    float64                           `json:"avg_actual_gain"`
	Techniques       map[string]TechniqueEffectiveness `json:"techniques"`
	QueryTypes       map[string]int                    `json:"query_types"`
	GainBuckets      map[string]int                    `json:"gain_buckets"`
	AvgUserRating    float64                           `json:"avg_user_rating"`
	FeedbackCount    int                               `json:"feedback_count"`
	DailyTrends      map[string]int                    `json:"daily_trends"`
	GeneratedAt      time.Time                         `json:"generated_at"`
}

// OptimizationHistoryConfig configures the ledger.
type OptimizationHistoryConfig struct {
	// MaxEntries bounds the ledger; oldest entries are evicted first.
	MaxEntries int
}

// DefaultOptimizationHistoryConfig returns default configuration.
func DefaultOptimizationHistoryConfig() OptimizationHistoryConfig {
	return OptimizationHistoryConfig{MaxEntries: 10000}
}

// OptimizationHistory is the append-only, size-bounded ledger of
// optimization decisions. Entries are kept most-recent-first.
type OptimizationHistory struct {
	config OptimizationHistoryConfig

	entries []*OptimizationHistoryEntry
	byID    map[string]*OptimizationHistoryEntry
	mu      sync.RWMutex
}

// NewOptimizationHistory creates an empty ledger.
func NewOptimizationHistory(config OptimizationHistoryConfig) *OptimizationHistory {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	return &OptimizationHistory{
		config: config,
		byID:   make(map[string]*OptimizationHistoryEntry),
	}
}

// RecordOptimization appends a new entry and returns its id. Eviction of
// the oldest entry happens atomically with the append once the ledger is
// full.
func (oh *OptimizationHistory) RecordOptimization(result *QueryOptimizationResult, ctx *QueryContext) string {
	entry := &OptimizationHistoryEntry{
		ID:             uuid.NewString(),
		Timestamp:      time.Now(),
		OriginalQuery:  result.OriginalQuery,
		OptimizedQuery: result.OptimizedQuery,
		Result:         result,
		Context:        ctx,
		Tags:           deriveHistoryTags(result, ctx),
	}
	if ctx != nil {
		entry.Endpoint = ctx.Endpoint
		entry.Database = ctx.Database
	}
	if result.Analysis != nil {
		entry.Metadata.QueryType = result.Analysis.Pattern().Kind
		entry.Metadata.Complexity = result.Analysis.Complexity.Level
	}
	for _, t := range result.Techniques {
		entry.Metadata.Techniques = append(entry.Metadata.Techniques, t.Name)
	}
	entry.Metadata.EstimatedBenefit = result.EstimatedImprovement
	entry.Metadata.Confidence = result.Confidence

	oh.mu.Lock()
	oh.entries = append([]*OptimizationHistoryEntry{entry}, oh.entries...)
	oh.byID[entry.ID] = entry
	for len(oh.entries) > oh.config.MaxEntries {
		oldest := oh.entries[len(oh.entries)-1]
		delete(oh.byID, oldest.ID)
		oh.entries = oh.entries[:len(oh.entries)-1]
	}
	oh.mu.Unlock()

	return entry.ID
}

func deriveHistoryTags(result *QueryOptimizationResult, ctx *QueryContext) []string {
	tags := make([]string, 0)
	seen := make(map[string]bool)
	add := func(tag string) {
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, t := range result.Techniques {
		add(t.Name)
		add("impact_" + string(t.Impact))
	}
	switch {
	case result.EstimatedImprovement >= 50:
		add("gain_major")
	case result.EstimatedImprovement >= 20:
		add("gain_moderate")
	case result.EstimatedImprovement > 0:
		add("gain_minor")
	}
	if ctx != nil {
		if ctx.DataSize != nil && ctx.DataSize.EstimatedRows > 1_000_000 {
			add("large_dataset")
		}
		if ctx.SystemLoad.Normalized() > 0.8 {
			add("high_load")
		}
	}
	return tags
}

// UpdatePerformance sets the observed execution result for an entry. It is
// applied at most once; later calls report false.
func (oh *OptimizationHistory) UpdatePerformance(entryID string, perf *QueryExecutionResult) bool {
	oh.mu.Lock()
	defer oh.mu.Unlock()

	entry, ok := oh.byID[entryID]
	if !ok || entry.Performance != nil {
		return false
	}
	entry.Performance = perf

	// Realized benefit relative to the predicted duration.
	if entry.Result != nil && entry.Result.Prediction != nil {
		predicted := entry.Result.Prediction.EstimatedDuration
		if predicted > 0 {
			entry.Metadata.ActualBenefit = (1 - float64(perf.ExecutionTime)/float64(predicted)) * 100
		}
	}
	return true
}

// AddUserFeedback attaches user feedback to an entry, at most once.
func (oh *OptimizationHistory) AddUserFeedback(entryID string, feedback UserFeedback) bool {
	oh.mu.Lock()
	defer oh.mu.Unlock()

	entry, ok := oh.byID[entryID]
	if !ok || entry.Feedback != nil {
		return false
	}
	if feedback.SubmittedAt.IsZero() {
		feedback.SubmittedAt = time.Now()
	}
	entry.Feedback = &feedback
	return true
}

// GetEntry returns one entry by id.
func (oh *OptimizationHistory) GetEntry(entryID string) (*OptimizationHistoryEntry, bool) {
	oh.mu.RLock()
	defer oh.mu.RUnlock()
	e, ok := oh.byID[entryID]
	return e, ok
}

// QueryHistory returns matching entries, most recent first.
func (oh *OptimizationHistory) QueryHistory(filter *HistoryFilter, limit, offset int) []*OptimizationHistoryEntry {
	oh.mu.RLock()
	defer oh.mu.RUnlock()

	matched := make([]*OptimizationHistoryEntry, 0)
	for _, e := range oh.entries {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}

	if offset >= len(matched) {
		return []*OptimizationHistoryEntry{}
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched
}

// Size returns the current ledger size.
func (oh *OptimizationHistory) Size() int {
	oh.mu.RLock()
	defer oh.mu.RUnlock()
	return len(oh.entries)
}

// Clear drops all entries.
func (oh *OptimizationHistory) Clear() {
	oh.mu.Lock()
	oh.entries = nil
	oh.byID = make(map[string]*OptimizationHistoryEntry)
	oh.mu.Unlock()
}

// GenerateStatistics aggregates the ledger, optionally filtered.
func (oh *OptimizationHistory) GenerateStatistics(filter *HistoryFilter) HistoryStatistics {
	oh.mu.RLock()
	defer oh.mu.RUnlock()

	stats := HistoryStatistics{
		Techniques:  make(map[string]TechniqueEffectiveness),
		QueryTypes:  make(map[string]int),
		GainBuckets: make(map[string]int),
		DailyTrends: make(map[string]int),
		GeneratedAt: time.Now(),
	}

	estGains := make([]float64, 0)
	actGains := make([]float64, 0)
	ratings := make([]float64, 0)

	type techAcc struct {
		count     int
		gainSum   float64
		successes int
		ratingSum float64
		rated     int
	}
	techs := make(map[string]*techAcc)

	for _, e := range oh.entries {
		if !filter.matches(e) {
			continue
		}
		stats.TotalEntries++
		estGains = append(estGains, e.Metadata.EstimatedBenefit)
		stats.QueryTypes[string(e.Metadata.QueryType)]++
		stats.DailyTrends[e.Timestamp.Format("2006-01-02")]++

		success := e.Performance != nil && e.Performance.Success && e.Metadata.ActualBenefit > 0
		if success {
			stats.SuccessfulCount++
		}
		if e.Performance != nil {
			actGains = append(actGains, e.Metadata.ActualBenefit)
			stats.GainBuckets[gainBucket(e.Metadata.ActualBenefit)]++
		}
		if e.Feedback != nil {
			ratings = append(ratings, float64(e.Feedback.Rating))
			stats.FeedbackCount++
		}

		for _, name := range e.Metadata.Techniques {
			acc, ok := techs[name]
			if !ok {
				acc = &techAcc{}
				techs[name] = acc
			}
			acc.count++
			acc.gainSum += e.Metadata.EstimatedBenefit
			if success {
				acc.successes++
			}
			if e.Feedback != nil {
				acc.ratingSum += float64(e.Feedback.Rating)
				acc.rated++
			}
		}
	}

	if len(estGains) > 0 {
		stats.AvgEstimatedGain = stat.Mean(estGains, nil)
	}
	if len(actGains) > 0 {
		stats.AvgActualGain = stat.Mean(actGains, nil)
	}
	if len(ratings) > 0 {
		stats.AvgUserRating = stat.Mean(ratings, nil)
	}

	for name, acc := range techs {
		eff := TechniqueEffectiveness{Count: acc.count}
		eff.AvgGain = acc.gainSum / float64(acc.count)
		eff.SuccessRate = float64(acc.successes) / float64(acc.count)
		if acc.rated > 0 {
			eff.AvgRating = acc.ratingSum / float64(acc.rated)
		}
		stats.Techniques[name] = eff
	}

	return stats
}

func gainBucket(gain float64) string {
	switch {
	case gain >= 50:
		return "excellent"
	case gain >= 25:
		return "good"
	case gain >= 10:
		return "moderate"
	case gain >= 0:
		return "minimal"
	default:
		return "negative"
	}
}

var reToken = regexp.MustCompile(`[a-z0-9_]+`)

func tokenize(query string) map[string]bool {
	tokens := make(map[string]bool)
	for _, t := range reToken.FindAllString(strings.ToLower(query), -1) {
		tokens[t] = true
	}
	return tokens
}

// querySimilarity is the Jaccard overlap of normalized token sets.
func querySimilarity(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}

// FindSimilarQueries returns entries whose original query is at least
// threshold-similar to the given query, most similar first.
func (oh *OptimizationHistory) FindSimilarQueries(query string, limit int, threshold float64) []*OptimizationHistoryEntry {
	oh.mu.RLock()
	defer oh.mu.RUnlock()

	type scored struct {
		entry *OptimizationHistoryEntry
		sim   float64
	}
	matches := make([]scored, 0)
	for _, e := range oh.entries {
		sim := querySimilarity(query, e.OriginalQuery)
		if sim >= threshold {
			matches = append(matches, scored{e, sim})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].sim > matches[j].sim })

	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	out := make([]*OptimizationHistoryEntry, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out
}

// BestOptimizations returns entries with measured performance, sorted by
// realized gain descending.
func (oh *OptimizationHistory) BestOptimizations(limit int) []*OptimizationHistoryEntry {
	return oh.byRealizedGain(limit, true)
}

// WorstOptimizations returns entries with measured performance, sorted by
// realized gain ascending.
func (oh *OptimizationHistory) WorstOptimizations(limit int) []*OptimizationHistoryEntry {
	return oh.byRealizedGain(limit, false)
}

func (oh *OptimizationHistory) byRealizedGain(limit int, best bool) []*OptimizationHistoryEntry {
	oh.mu.RLock()
	defer oh.mu.RUnlock()

	measured := make([]*OptimizationHistoryEntry, 0)
	for _, e := range oh.entries {
		if e.Performance != nil {
			measured = append(measured, e)
		}
	}
	sort.SliceStable(measured, func(i, j int) bool {
		if best {
			return measured[i].Metadata.ActualBenefit > measured[j].Metadata.ActualBenefit
		}
		return measured[i].Metadata.ActualBenefit < measured[j].Metadata.ActualBenefit
	})
	if limit > 0 && limit < len(measured) {
		measured = measured[:limit]
	}
	return measured
}

// Snapshot returns a copy of all entries, most recent first.
func (oh *OptimizationHistory) Snapshot() []*OptimizationHistoryEntry {
	oh.mu.RLock()
	defer oh.mu.RUnlock()
	out := make([]*OptimizationHistoryEntry, len(oh.entries))
	copy(out, oh.entries)
	return out
}

// merge inserts imported entries that pass minimal validation. Invalid
// entries are silently dropped; the accepted count is returned.
func (oh *OptimizationHistory) merge(entries []*OptimizationHistoryEntry) int {
	accepted := 0
	oh.mu.Lock()
	for _, e := range entries {
		if e == nil || e.OriginalQuery == "" || e.Timestamp.IsZero() {
			continue
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if _, exists := oh.byID[e.ID]; exists {
			continue
		}
		oh.entries = append(oh.entries, e)
		oh.byID[e.ID] = e
		accepted++
	}
	sort.SliceStable(oh.entries, func(i, j int) bool {
		return oh.entries[i].Timestamp.After(oh.entries[j].Timestamp)
	})
	for len(oh.entries) > oh.config.MaxEntries {
		oldest := oh.entries[len(oh.entries)-1]
		delete(oh.byID, oldest.ID)
		oh.entries = oh.entries[:len(oh.entries)-1]
	}
	oh.mu.Unlock()
	return accepted
}
