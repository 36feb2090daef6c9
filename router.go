package querypilot

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// NodeRole describes what an execution endpoint is best suited for.
type NodeRole string

const (
	RolePrimary   NodeRole = "primary"
	RoleReplica   NodeRole = "replica"
	RoleAnalytics NodeRole = "analytics"
	RoleCache     NodeRole = "cache"
)

// LoadBalancingStrategy selects the fallback balancing behavior.
type LoadBalancingStrategy string

const (
	BalanceRoundRobin       LoadBalancingStrategy = "round_robin"
	BalanceLeastConnections LoadBalancingStrategy = "least_connections"
	BalanceWeightedRandom   LoadBalancingStrategy = "weighted_random"
	BalanceHash             LoadBalancingStrategy = "hash"
	BalanceAdaptive         LoadBalancingStrategy = "adaptive"
)

// EndpointMeta is static metadata supplied at registration.
type EndpointMeta struct {
	Role         NodeRole `json:"role"`
	Region       string   `json:"region,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Priority     int      `json:"priority"`
	Tags         []string `json:"tags,omitempty"`
	Capacity     float64  `json:"capacity"` // max concurrent queries
}

// RouteCandidate is one execution endpoint eligible to receive queries.
// Candidates are owned by the router and mutated only by health checks and
// feedback updates.
type RouteCandidate struct {
	EndpointID   string       `json:"endpoint_id"`
	Score        float64      `json:"score"` // composite, 0-100
	LearnedScore float64      `json:"learned_score"`
	Latency      time.Duration `json:"latency"`
	Load         float64      `json:"load"`     // [0, 1]
	Capacity     float64      `json:"capacity"`
	Health       float64      `json:"health"` // [0, 1]
	Meta         EndpointMeta `json:"meta"`
	ActiveConns  int          `json:"active_conns"`
}

// ConnectionHealth is the rolling health state of one endpoint.
type ConnectionHealth struct {
	EndpointID          string        `json:"endpoint_id"`
	Healthy             bool          `json:"healthy"`
	Latency             time.Duration `json:"latency"`
	Load                float64       `json:"load"`
	ErrorRate           float64       `json:"error_rate"`
	LastCheck           time.Time     `json:"last_check"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Details             HealthDetails `json:"details"`
}

// RoutingStrategy is the routing decision for one query.
type RoutingStrategy struct {
	TargetEndpoint string                `json:"target_endpoint"`
	LoadBalancing  LoadBalancingStrategy `json:"load_balancing"`
	Priority       int                   `json:"priority"`
	Reason         string                `json:"reason"`
}

// RoutingRule routes matching queries ahead of the load-balancing fallback.
// Rules are evaluated in descending priority order; the first match wins.
type RoutingRule struct {
	Name     string
	Priority int
	Matches  func(query string, kind QueryKind, ctx *QueryContext) bool
	Route    func(candidates []*RouteCandidate) *RouteCandidate
}

// RouterStats is a snapshot of routing activity.
type RouterStats struct {
	TotalRoutes       int64            `json:"total_routes"`
	SuccessfulRoutes  int64            `json:"successful_routes"`
	FallbackRoutes    int64            `json:"fallback_routes"`
	AvgRoutingLatency time.Duration    `json:"avg_routing_latency"`
	RouteDistribution map[string]int64 `json:"route_distribution"`
	RuleHits          map[string]int64 `json:"rule_hits"`
	HealthyEndpoints  int              `json:"healthy_endpoints"`
	UnhealthyEndpoints int             `json:"unhealthy_endpoints"`
}

// QueryRouterConfig configures the router.
type QueryRouterConfig struct {
	// HealthCheckInterval between background probe rounds.
	HealthCheckInterval time.Duration

	// ProbeTimeout bounds one health probe; exceeding it counts as a failure.
	ProbeTimeout time.Duration

	// DefaultStrategy is the load-balancing fallback when no rule matches.
	DefaultStrategy LoadBalancingStrategy

	// DecisionWindow bounds how far back UpdateWeights correlates decisions.
	DecisionWindow time.Duration
}

// DefaultQueryRouterConfig returns default configuration.
func DefaultQueryRouterConfig() QueryRouterConfig {
	return QueryRouterConfig{
		HealthCheckInterval: 30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		DefaultStrategy:     BalanceAdaptive,
		DecisionWindow:      5 * time.Minute,
	}
}

type routingDecision struct {
	endpointID string
	decidedAt  time.Time
}

// QueryRouter maintains the endpoint registry, runs periodic health checks
// on a background loop, and routes queries to healthy candidates. Routing
// never fails: with no healthy candidate the caller-supplied default
// endpoint is returned with an explanatory reason.
type QueryRouter struct {
	config QueryRouterConfig
	probe  HealthProbe
	logger *zap.Logger

	candidates map[string]*RouteCandidate
	health     map[string]*ConnectionHealth
	mu         sync.RWMutex

	rules   []RoutingRule
	rulesMu sync.RWMutex

	decisions   map[string]routingDecision
	decisionsMu sync.Mutex

	rrCounter atomic.Uint64

	stats   RouterStats
	statsMu sync.Mutex
	latSum  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueryRouter creates a router and starts its health-check loop.
func NewQueryRouter(config QueryRouterConfig, probe HealthProbe, logger *zap.Logger) *QueryRouter {
	if config.HealthCheckInterval <= 0 {
		config = DefaultQueryRouterConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	qr := &QueryRouter{
		config:     config,
		probe:      probe,
		logger:     logger,
		candidates: make(map[string]*RouteCandidate),
		health:     make(map[string]*ConnectionHealth),
		decisions:  make(map[string]routingDecision),
		ctx:        ctx,
		cancel:     cancel,
	}
	qr.stats.RouteDistribution = make(map[string]int64)
	qr.stats.RuleHits = make(map[string]int64)

	qr.wg.Add(1)
	go qr.healthLoop()

	return qr
}

// Close stops the health-check loop.
func (qr *QueryRouter) Close() error {
	qr.cancel()
	qr.wg.Wait()
	return nil
}

// RegisterEndpoint seeds a candidate and runs an immediate health check.
func (qr *QueryRouter) RegisterEndpoint(endpointID string, meta EndpointMeta) {
	if meta.Capacity <= 0 {
		meta.Capacity = 100
	}
	qr.mu.Lock()
	qr.candidates[endpointID] = &RouteCandidate{
		EndpointID:   endpointID,
		Health:       1.0,
		LearnedScore: 50,
		Capacity:     meta.Capacity,
		Meta:         meta,
	}
	qr.health[endpointID] = &ConnectionHealth{
		EndpointID: endpointID,
		Healthy:    true,
	}
	qr.mu.Unlock()

	qr.checkEndpoint(endpointID)
}

// UnregisterEndpoint removes an endpoint from the registry.
func (qr *QueryRouter) UnregisterEndpoint(endpointID string) {
	qr.mu.Lock()
	delete(qr.candidates, endpointID)
	delete(qr.health, endpointID)
	qr.mu.Unlock()
}

// AddRule installs a routing rule. Rules are kept priority-descending.
func (qr *QueryRouter) AddRule(rule RoutingRule) {
	qr.rulesMu.Lock()
	qr.rules = append(qr.rules, rule)
	sort.SliceStable(qr.rules, func(i, j int) bool {
		return qr.rules[i].Priority > qr.rules[j].Priority
	})
	qr.rulesMu.Unlock()
}

func (qr *QueryRouter) healthLoop() {
	defer qr.wg.Done()

	ticker := time.NewTicker(qr.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-qr.ctx.Done():
			return
		case <-ticker.C:
			qr.checkAll()
			qr.sweepDecisions()
		}
	}
}

func (qr *QueryRouter) checkAll() {
	qr.mu.RLock()
	ids := make([]string, 0, len(qr.candidates))
	for id := range qr.candidates {
		ids = append(ids, id)
	}
	qr.mu.RUnlock()

	for _, id := range ids {
		qr.checkEndpoint(id)
	}
}

// sweepDecisions drops routing decisions older than the decision window so
// the map stays bounded by the query rate within one window.
func (qr *QueryRouter) sweepDecisions() {
	cutoff := time.Now().Add(-qr.config.DecisionWindow)
	qr.decisionsMu.Lock()
	for key, decision := range qr.decisions {
		if decision.decidedAt.Before(cutoff) {
			delete(qr.decisions, key)
		}
	}
	qr.decisionsMu.Unlock()
}

// checkEndpoint probes one endpoint and applies the health transition rules:
// a failure increments the consecutive-failure counter and marks the
// endpoint unhealthy; a passing probe resets the counter.
func (qr *QueryRouter) checkEndpoint(endpointID string) {
	if qr.probe == nil {
		return
	}

	ctx, cancel := context.WithTimeout(qr.ctx, qr.config.ProbeTimeout)
	defer cancel()

	started := time.Now()
	details, err := qr.probe.CheckHealth(ctx, endpointID)
	latency := time.Since(started)

	healthy := err == nil && probeHealthy(details)

	qr.mu.Lock()
	defer qr.mu.Unlock()

	h, ok := qr.health[endpointID]
	if !ok {
		return
	}
	h.LastCheck = time.Now()
	h.Latency = latency
	h.Details = details

	if healthy {
		if !h.Healthy {
			qr.logger.Info("endpoint recovered", zap.String("endpoint", endpointID))
		}
		h.Healthy = true
		h.ConsecutiveFailures = 0
		h.Load = details.CPUUsage / 100.0
	} else {
		h.ConsecutiveFailures++
		if h.Healthy {
			qr.logger.Warn("endpoint unhealthy",
				zap.String("endpoint", endpointID),
				zap.Error(err),
				zap.Int("consecutive_failures", h.ConsecutiveFailures))
		}
		h.Healthy = false
	}

	if c, ok := qr.candidates[endpointID]; ok {
		c.Latency = latency
		c.Load = details.CPUUsage / 100.0
		c.ActiveConns = details.ActiveConnections
		if healthy {
			c.Health = 1.0 - details.CPUUsage/200.0 // degrade slowly with load
		} else {
			c.Health = 0
		}
	}
}

// probeHealthy applies the fixed probe thresholds.
func probeHealthy(d HealthDetails) bool {
	if d.CPUUsage >= 90 || d.MemoryUsage >= 90 || d.DiskUsage >= 95 {
		return false
	}
	if d.NetworkLatency >= time.Second {
		return false
	}
	if d.QueueLength > 0 && float64(d.ActiveConnections) >= 0.8*float64(d.QueueLength) {
		return false
	}
	return true
}

const routingFallbackReason = "No healthy endpoints available, falling back to default endpoint"

// DetermineRouting selects an endpoint for a query. The supplied default is
// always a valid fallback; this method never returns an error.
func (qr *QueryRouter) DetermineRouting(query string, defaultEndpoint string, ctx *QueryContext) RoutingStrategy {
	started := time.Now()
	kind := classifyKind(query)

	pool := qr.healthyCandidates()
	for _, c := range pool {
		c.Score = qr.scoreCandidate(c, kind, ctx)
	}

	strategy := qr.route(query, kind, pool, defaultEndpoint, ctx)

	qr.statsMu.Lock()
	qr.stats.TotalRoutes++
	if strategy.TargetEndpoint == defaultEndpoint && len(pool) == 0 {
		qr.stats.FallbackRoutes++
	} else {
		qr.stats.SuccessfulRoutes++
	}
	qr.stats.RouteDistribution[strategy.TargetEndpoint]++
	qr.latSum += time.Since(started)
	qr.stats.AvgRoutingLatency = qr.latSum / time.Duration(qr.stats.TotalRoutes)
	qr.statsMu.Unlock()

	qr.decisionsMu.Lock()
	qr.decisions[queryHash(query)] = routingDecision{
		endpointID: strategy.TargetEndpoint,
		decidedAt:  time.Now(),
	}
	qr.decisionsMu.Unlock()

	return strategy
}

func (qr *QueryRouter) route(query string, kind QueryKind, pool []*RouteCandidate, defaultEndpoint string, ctx *QueryContext) RoutingStrategy {
	if len(pool) == 0 {
		return RoutingStrategy{
			TargetEndpoint: defaultEndpoint,
			LoadBalancing:  qr.config.DefaultStrategy,
			Priority:       1,
			Reason:         routingFallbackReason,
		}
	}

	// Ordered rules first.
	qr.rulesMu.RLock()
	rules := qr.rules
	qr.rulesMu.RUnlock()
	for _, rule := range rules {
		if !rule.Matches(query, kind, ctx) {
			continue
		}
		if c := rule.Route(pool); c != nil {
			qr.statsMu.Lock()
			qr.stats.RuleHits[rule.Name]++
			qr.statsMu.Unlock()
			return RoutingStrategy{
				TargetEndpoint: c.EndpointID,
				LoadBalancing:  qr.config.DefaultStrategy,
				Priority:       rule.Priority,
				Reason:         fmt.Sprintf("Matched routing rule %q", rule.Name),
			}
		}
	}

	// Load-balancing fallback.
	c := qr.balance(query, pool)
	return RoutingStrategy{
		TargetEndpoint: c.EndpointID,
		LoadBalancing:  qr.config.DefaultStrategy,
		Priority:       c.Meta.Priority,
		Reason:         fmt.Sprintf("Selected by %s load balancing", qr.config.DefaultStrategy),
	}
}

// healthyCandidates returns a per-call copy of the healthy candidates so
// request-path scoring never writes to structs the health loop mutates.
func (qr *QueryRouter) healthyCandidates() []*RouteCandidate {
	qr.mu.RLock()
	defer qr.mu.RUnlock()
	pool := make([]*RouteCandidate, 0, len(qr.candidates))
	for id, c := range qr.candidates {
		if h, ok := qr.health[id]; ok && h.Healthy {
			snapshot := *c
			pool = append(pool, &snapshot)
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].EndpointID < pool[j].EndpointID })
	return pool
}

// scoreCandidate computes the composite score: health 40%, inverse load 30%,
// inverse latency 20%, inverse utilization 10%, plus role-matching bonuses.
func (qr *QueryRouter) scoreCandidate(c *RouteCandidate, kind QueryKind, ctx *QueryContext) float64 {
	healthScore := c.Health * 40

	loadScore := (1 - clamp01(c.Load)) * 30

	latencyMs := float64(c.Latency.Milliseconds())
	latencyScore := 20 / (1 + latencyMs/100)

	utilization := 0.0
	if c.Capacity > 0 {
		utilization = clamp01(float64(c.ActiveConns) / c.Capacity)
	}
	utilizationScore := (1 - utilization) * 10

	score := healthScore + loadScore + latencyScore + utilizationScore

	readOnly := kind == KindSelect || kind == KindShow
	switch c.Meta.Role {
	case RoleAnalytics:
		if readOnly {
			score += 10
		}
	case RolePrimary:
		if !readOnly {
			score += 15
		}
	case RoleCache:
		if readOnly && (ctx == nil || !ctx.DisableCaching) {
			score += 5
		}
	}

	if score > 100 {
		score = 100
	}
	return score
}

func (qr *QueryRouter) balance(query string, pool []*RouteCandidate) *RouteCandidate {
	switch qr.config.DefaultStrategy {
	case BalanceRoundRobin:
		return pool[int(qr.rrCounter.Add(1))%len(pool)]

	case BalanceLeastConnections:
		best := pool[0]
		for _, c := range pool[1:] {
			if c.ActiveConns < best.ActiveConns {
				best = c
			}
		}
		return best

	case BalanceWeightedRandom:
		var total float64
		for _, c := range pool {
			total += c.LearnedScore
		}
		if total <= 0 {
			return pool[rand.Intn(len(pool))]
		}
		r := rand.Float64() * total
		for _, c := range pool {
			r -= c.LearnedScore
			if r <= 0 {
				return c
			}
		}
		return pool[len(pool)-1]

	case BalanceHash:
		h := fnv.New32a()
		h.Write([]byte(query))
		return pool[int(h.Sum32())%len(pool)]

	default: // BalanceAdaptive
		best := pool[0]
		for _, c := range pool[1:] {
			if c.Score > best.Score {
				best = c
			}
		}
		return best
	}
}

// UpdateWeights folds an observed execution result into the learned score of
// the endpoint that served the query, if a routing decision for it exists
// within the decision window.
func (qr *QueryRouter) UpdateWeights(query string, result *QueryExecutionResult) {
	key := queryHash(query)

	qr.decisionsMu.Lock()
	decision, ok := qr.decisions[key]
	if ok && time.Since(decision.decidedAt) > qr.config.DecisionWindow {
		delete(qr.decisions, key)
		ok = false
	}
	qr.decisionsMu.Unlock()
	if !ok {
		return
	}

	perf := performanceScore(result)

	qr.mu.Lock()
	if c, exists := qr.candidates[decision.endpointID]; exists {
		c.LearnedScore = c.LearnedScore*0.8 + perf*0.2
	}
	qr.mu.Unlock()
}

// performanceScore converts an execution result to a 0-100 score.
func performanceScore(result *QueryExecutionResult) float64 {
	score := 70.0

	switch {
	case result.ExecutionTime > 10*time.Second:
		score -= 60
	case result.ExecutionTime > 5*time.Second:
		score -= 40
	case result.ExecutionTime > time.Second:
		score -= 20
	}

	if result.Success {
		score += 10
	} else {
		score -= 30
	}

	if result.MemoryUsed > 1<<30 {
		score -= 15
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// EndpointHealth returns a copy of the health state for an endpoint.
func (qr *QueryRouter) EndpointHealth(endpointID string) (ConnectionHealth, error) {
	qr.mu.RLock()
	defer qr.mu.RUnlock()
	h, ok := qr.health[endpointID]
	if !ok {
		return ConnectionHealth{}, fmt.Errorf("endpoint %q: %w", endpointID, ErrEndpointNotFound)
	}
	return *h, nil
}

// Candidates returns a snapshot of all registered candidates.
func (qr *QueryRouter) Candidates() []RouteCandidate {
	qr.mu.RLock()
	defer qr.mu.RUnlock()
	out := make([]RouteCandidate, 0, len(qr.candidates))
	for _, c := range qr.candidates {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// Stats returns a snapshot of routing statistics.
func (qr *QueryRouter) Stats() RouterStats {
	qr.statsMu.Lock()
	stats := qr.stats
	stats.RouteDistribution = make(map[string]int64, len(qr.stats.RouteDistribution))
	for k, v := range qr.stats.RouteDistribution {
		stats.RouteDistribution[k] = v
	}
	stats.RuleHits = make(map[string]int64, len(qr.stats.RuleHits))
	for k, v := range qr.stats.RuleHits {
		stats.RuleHits[k] = v
	}
	qr.statsMu.Unlock()

	qr.mu.RLock()
	for _, h := range qr.health {
		if h.Healthy {
			stats.HealthyEndpoints++
		} else {
			stats.UnhealthyEndpoints++
		}
	}
	qr.mu.RUnlock()

	return stats
}

// ReadOnlyQuery reports whether a query only reads data.
func ReadOnlyQuery(query string) bool {
	switch classifyKind(strings.TrimSpace(query)) {
	case KindSelect, KindShow:
		return true
	}
	return false
}
