package querypilot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ResultCache stores optimization results by key. It is an external
// collaborator boundary: errors and misses are interchangeable to the
// engine, which always proceeds on a miss.
type ResultCache interface {
	Get(key string) (*QueryOptimizationResult, bool)
	Set(key string, result *QueryOptimizationResult, ttl time.Duration, tags []string)
	IsValid(result *QueryOptimizationResult) bool
	GenerateCacheKey(query, endpoint, database string) string
	CalculateTTL(analysis *QueryAnalysis) time.Duration
	RecommendCaching(query string, analysis *QueryAnalysis) []Recommendation
}

// MemoryResultCacheConfig configures the in-memory cache.
type MemoryResultCacheConfig struct {
	// MaxEntries bounds the cache.
	MaxEntries int

	// DefaultTTL applies when no analysis-derived TTL is available.
	DefaultTTL time.Duration

	// MinConfidence: results below this are never considered valid.
	MinConfidence float64
}

// DefaultMemoryResultCacheConfig returns default configuration.
func DefaultMemoryResultCacheConfig() MemoryResultCacheConfig {
	return MemoryResultCacheConfig{
		MaxEntries:    1000,
		DefaultTTL:    5 * time.Minute,
		MinConfidence: 30,
	}
}

type cacheEntry struct {
	result    *QueryOptimizationResult
	tags      []string
	expiresAt time.Time
	cachedAt  time.Time
	hits      int64
}

// MemoryResultCacheStats tracks cache activity.
type MemoryResultCacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// MemoryResultCache is the default bounded TTL cache for optimization
// results.
type MemoryResultCache struct {
	config  MemoryResultCacheConfig
	entries map[string]*cacheEntry
	mu      sync.RWMutex
	stats   MemoryResultCacheStats
}

// NewMemoryResultCache creates an in-memory result cache.
func NewMemoryResultCache(config MemoryResultCacheConfig) *MemoryResultCache {
	if config.MaxEntries <= 0 {
		config = DefaultMemoryResultCacheConfig()
	}
	return &MemoryResultCache{
		config:  config,
		entries: make(map[string]*cacheEntry),
	}
}

// Get returns a cached result if present and unexpired.
func (mc *MemoryResultCache) Get(key string) (*QueryOptimizationResult, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, ok := mc.entries[key]
	if !ok {
		mc.stats.Misses++
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(mc.entries, key)
		mc.stats.Misses++
		return nil, false
	}
	entry.hits++
	mc.stats.Hits++
	return entry.result, true
}

// Set stores a result. When full, the least-hit entry is evicted.
func (mc *MemoryResultCache) Set(key string, result *QueryOptimizationResult, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		ttl = mc.config.DefaultTTL
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.entries[key]; !exists && len(mc.entries) >= mc.config.MaxEntries {
		var victim string
		var minHits int64 = 1<<63 - 1
		for k, e := range mc.entries {
			if e.hits < minHits {
				minHits = e.hits
				victim = k
			}
		}
		delete(mc.entries, victim)
		mc.stats.Evictions++
	}

	mc.entries[key] = &cacheEntry{
		result:    result,
		tags:      tags,
		expiresAt: time.Now().Add(ttl),
		cachedAt:  time.Now(),
	}
}

// IsValid reports whether a cached result is still worth serving.
func (mc *MemoryResultCache) IsValid(result *QueryOptimizationResult) bool {
	return result != nil && result.Confidence >= mc.config.MinConfidence
}

// GenerateCacheKey derives a stable key from query text plus target.
func (mc *MemoryResultCache) GenerateCacheKey(query, endpoint, database string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", query, endpoint, database)))
	return hex.EncodeToString(sum[:16])
}

// CalculateTTL derives the TTL from analysis tags: time-bounded and simple
// queries cache longer, volatile ones shorter.
func (mc *MemoryResultCache) CalculateTTL(analysis *QueryAnalysis) time.Duration {
	if analysis == nil {
		return mc.config.DefaultTTL
	}
	ttl := mc.config.DefaultTTL
	for _, tag := range analysis.Tags {
		switch tag {
		case "time_range":
			ttl = 10 * time.Minute
		case "high_load":
			// Cache longer under load to shed repeat work.
			ttl = 15 * time.Minute
		case string(ComplexityVeryComplex):
			ttl = 30 * time.Minute
		}
	}
	return ttl
}

// RecommendCaching suggests caching for expensive repeatable queries.
func (mc *MemoryResultCache) RecommendCaching(query string, analysis *QueryAnalysis) []Recommendation {
	recs := make([]Recommendation, 0)
	if analysis == nil {
		return recs
	}
	p := analysis.Pattern()
	if p.Kind != KindSelect {
		return recs
	}
	if analysis.Complexity.Level == ComplexityComplex || analysis.Complexity.Level == ComplexityVeryComplex {
		recs = append(recs, Recommendation{
			Kind:             RecommendCaching,
			Priority:         7,
			Title:            "Cache results of this expensive query",
			Description:      fmt.Sprintf("Complexity level %s makes recomputation costly", analysis.Complexity.Level),
			Implementation:   "Enable result caching with a TTL matching the dashboard refresh interval",
			EstimatedBenefit: 45,
		})
	}
	if len(p.Aggregations) > 0 && p.TimeRange != nil {
		recs = append(recs, Recommendation{
			Kind:             RecommendCaching,
			Priority:         5,
			Title:            "Cache time-windowed aggregates",
			Description:      "Aggregates over fixed time windows are stable until the window advances",
			Implementation:   "Cache per-window aggregate results keyed by the bucket boundary",
			EstimatedBenefit: 30,
		})
	}
	return recs
}

// Stats returns a snapshot of cache statistics.
func (mc *MemoryResultCache) Stats() MemoryResultCacheStats {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	stats := mc.stats
	stats.Entries = len(mc.entries)
	return stats
}

// Clear drops all cached entries.
func (mc *MemoryResultCache) Clear() {
	mc.mu.Lock()
	mc.entries = make(map[string]*cacheEntry)
	mc.mu.Unlock()
}
