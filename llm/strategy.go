package llm

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelrouter/gateway/types"
	"go.uber.org/zap"
)

// Strategy names the candidate-selection algorithm the Strategy Engine
// runs over a model's links, per SPEC_FULL.md §4.7.
type Strategy string

const (
	StrategyAuto               Strategy = "auto"
	StrategySpecifiedProvider  Strategy = "specified_provider"
	StrategyFallback           Strategy = "fallback"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyResponseTime       Strategy = "response_time"
	StrategyCostOptimized      Strategy = "cost_optimized"
	StrategyHybrid             Strategy = "hybrid"
)

// StrategyConfig carries the per-request knobs a strategy consults.
// Sourced from ResolvedProviderConfig.Params / the request itself.
type StrategyConfig struct {
	SpecifiedProvider string
	PreferredProvider string
	MaxCostThreshold  float64

	// EstimatedTokens is the projected prompt token count for the current
	// request (see estimateRequestTokens), used to turn a link's flat
	// CostPer1kTokens price into a projected per-request cost for
	// cost_optimized/hybrid scoring.
	EstimatedTokens int64
}

func (c StrategyConfig) maxCost() float64 {
	if c.MaxCostThreshold <= 0 {
		return 0.1
	}
	return c.MaxCostThreshold
}

// projectedCost estimates what dispatching to p would cost for the current
// request, given cfg.EstimatedTokens. Falls back to the bare per-1k price
// when no estimate is available, so existing maxCost comparisons degrade
// gracefully instead of breaking.
func (c StrategyConfig) projectedCost(p ProviderInfo) float64 {
	if c.EstimatedTokens <= 0 {
		return p.CostPer1kTokens
	}
	return float64(c.EstimatedTokens) / 1000 * p.CostPer1kTokens
}

// ProviderInfo is one routable candidate: a link's live score snapshot
// paired with the resolved credential needed to actually dispatch to it.
type ProviderInfo struct {
	Link     *LLMModelProvider
	Resolved ResolvedProviderConfig

	Name               string
	Weight             int
	Priority           int
	HealthStatus       HealthStatus
	ResponseTimeAvg    float64
	SuccessRate        float64
	CostPer1kTokens    float64
	OverallScore       float64
	CurrentConnections int64
}

// StrategyEngine implements SPEC_FULL.md §4.7: it scores a model's
// candidate links, orders them per the chosen strategy, dispatches through
// the caller-supplied closure with per-link circuit breaking and
// failure/success accounting, and falls through to the next candidate on
// an adapter exception (all strategies except specified_provider).
type StrategyEngine struct {
	repo   *Repository
	logger *zap.Logger

	mu          sync.Mutex
	wrrCounters map[uint]uint64 // modelID -> next weight-prefix position
	conns       map[uint]*int64 // linkID -> in-flight request count
}

// NewStrategyEngine builds an engine backed by repo for score persistence.
func NewStrategyEngine(repo *Repository, logger *zap.Logger) *StrategyEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StrategyEngine{
		repo:        repo,
		logger:      logger,
		wrrCounters: make(map[uint]uint64),
		conns:       make(map[uint]*int64),
	}
}

// Dispatch is how the Strategy Engine actually talks to a chosen provider.
// The Router supplies this, typically backed by the Adapter Pool.
type Dispatch func(ctx context.Context, p ProviderInfo) (*ChatResponse, error)

// Execute selects among links for modelID per strategy/cfg and dispatches,
// retrying the next candidate on failure until one succeeds or the
// candidate list is exhausted.
func (e *StrategyEngine) Execute(
	ctx context.Context,
	modelID uint,
	links []LLMModelProvider,
	creds map[uint]ResolvedProviderConfig,
	strategy Strategy,
	cfg StrategyConfig,
	dispatch Dispatch,
) (*ChatResponse, error) {
	if strategy == "" {
		strategy = StrategyAuto
	}

	candidates := e.buildCandidates(links, creds)
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrAllProvidersUnavailable, "no healthy providers available for model").
			WithHTTPStatus(503)
	}

	order, err := e.order(modelID, candidates, strategy, cfg)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, p := range order {
		resp, attemptErr := e.attempt(ctx, modelID, p, dispatch)
		if attemptErr == nil {
			return resp, nil
		}
		lastErr = attemptErr
		if strategy == StrategySpecifiedProvider {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.NewError(types.ErrAllProvidersUnavailable, "all providers exhausted").WithHTTPStatus(503)
}

// buildCandidates filters out unhealthy links, disabled links, and links
// whose circuit breaker is currently open, and drops any link the
// Registry couldn't resolve a credential for.
func (e *StrategyEngine) buildCandidates(links []LLMModelProvider, creds map[uint]ResolvedProviderConfig) []ProviderInfo {
	now := time.Now()
	out := make([]ProviderInfo, 0, len(links))
	for i := range links {
		link := &links[i]
		if !link.IsEnabled || link.HealthStatus == HealthUnhealthy {
			continue
		}
		if link.BreakerOpen(now) {
			continue
		}
		resolved, ok := creds[link.ID]
		if !ok {
			continue
		}
		name := resolved.Name
		if link.Provider != nil && name == "" {
			name = link.Provider.Name
		}
		out = append(out, ProviderInfo{
			Link:               link,
			Resolved:           resolved,
			Name:               name,
			Weight:             link.Weight,
			Priority:           link.Priority,
			HealthStatus:       link.HealthStatus,
			ResponseTimeAvg:    link.ResponseTimeAvg,
			SuccessRate:        link.SuccessRate,
			CostPer1kTokens:    link.CostPer1kTokens,
			OverallScore:       link.OverallScore,
			CurrentConnections: e.connections(link.ID),
		})
	}
	return out
}

func (e *StrategyEngine) connections(linkID uint) int64 {
	e.mu.Lock()
	counter, ok := e.conns[linkID]
	if !ok {
		var zero int64
		counter = &zero
		e.conns[linkID] = counter
	}
	e.mu.Unlock()
	return atomic.LoadInt64(counter)
}

func (e *StrategyEngine) counterFor(linkID uint) *int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	counter, ok := e.conns[linkID]
	if !ok {
		var zero int64
		counter = &zero
		e.conns[linkID] = counter
	}
	return counter
}

// order applies the selection/tiebreak rule for strategy and returns
// candidates in try order.
func (e *StrategyEngine) order(modelID uint, candidates []ProviderInfo, strategy Strategy, cfg StrategyConfig) ([]ProviderInfo, error) {
	ordered := make([]ProviderInfo, len(candidates))
	copy(ordered, candidates)

	switch strategy {
	case StrategySpecifiedProvider:
		for _, p := range ordered {
			if p.Name == cfg.SpecifiedProvider {
				return []ProviderInfo{p}, nil
			}
		}
		return nil, types.NewError(types.ErrProviderUnavailable, "specified provider is not an available candidate").
			WithProvider(cfg.SpecifiedProvider).WithHTTPStatus(503)

	case StrategyFallback:
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].Priority != ordered[j].Priority {
				return ordered[i].Priority > ordered[j].Priority
			}
			if ordered[i].OverallScore != ordered[j].OverallScore {
				return ordered[i].OverallScore > ordered[j].OverallScore
			}
			return ordered[i].Name < ordered[j].Name
		})
		if cfg.PreferredProvider != "" {
			ordered = moveToFront(ordered, cfg.PreferredProvider)
		}
		return ordered, nil

	case StrategyWeightedRoundRobin:
		return e.weightedRoundRobin(modelID, ordered), nil

	case StrategyLeastConnections:
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].CurrentConnections != ordered[j].CurrentConnections {
				return ordered[i].CurrentConnections < ordered[j].CurrentConnections
			}
			return ordered[i].OverallScore > ordered[j].OverallScore
		})
		return ordered, nil

	case StrategyResponseTime:
		sort.SliceStable(ordered, func(i, j int) bool {
			ri, rj := responseTimeKey(ordered[i]), responseTimeKey(ordered[j])
			if ri != rj {
				return ri < rj
			}
			return ordered[i].OverallScore > ordered[j].OverallScore
		})
		return ordered, nil

	case StrategyCostOptimized:
		return costOptimizedOrder(ordered, cfg), nil

	case StrategyHybrid:
		sort.SliceStable(ordered, func(i, j int) bool {
			hi, hj := hybridScore(ordered[i], cfg), hybridScore(ordered[j], cfg)
			if hi != hj {
				return hi > hj
			}
			return ordered[i].OverallScore > ordered[j].OverallScore
		})
		return ordered, nil

	case StrategyAuto:
		fallthrough
	default:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].OverallScore > ordered[j].OverallScore
		})
		if len(ordered) > 3 {
			ordered = ordered[:3]
		}
		return ordered, nil
	}
}

func moveToFront(ordered []ProviderInfo, name string) []ProviderInfo {
	for i, p := range ordered {
		if p.Name == name {
			out := make([]ProviderInfo, 0, len(ordered))
			out = append(out, p)
			out = append(out, ordered[:i]...)
			out = append(out, ordered[i+1:]...)
			return out
		}
	}
	return ordered
}

// responseTimeKey treats an unmeasured (zero) response time as "unknown",
// sorting it last rather than first.
func responseTimeKey(p ProviderInfo) float64 {
	if p.ResponseTimeAvg <= 0 {
		return math.MaxFloat64
	}
	return p.ResponseTimeAvg
}

func costOptimizedOrder(candidates []ProviderInfo, cfg StrategyConfig) []ProviderInfo {
	maxCost := cfg.maxCost()
	var within []ProviderInfo
	for _, p := range candidates {
		if cfg.projectedCost(p) <= maxCost {
			within = append(within, p)
		}
	}
	pool := within
	if len(pool) == 0 {
		pool = candidates
	}
	out := make([]ProviderInfo, len(pool))
	copy(out, pool)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := cfg.projectedCost(out[i]), cfg.projectedCost(out[j])
		if ci != cj {
			return ci < cj
		}
		return out[i].OverallScore > out[j].OverallScore
	})
	return out
}

// hybridScore implements §4.7's weighted blend. ResponseTimeAvg and
// projected cost are normalized against the same 10s/0.1-per-1k ceilings
// recomputeScores uses, so the two formulas never disagree about what
// "good" latency or cost means for a link.
func hybridScore(p ProviderInfo, cfg StrategyConfig) float64 {
	rt := p.ResponseTimeAvg / responseTimeCeilingMs
	if rt > 1 {
		rt = 1
	}
	cost := cfg.projectedCost(p) / 0.1
	if cost > 1 {
		cost = 1
	}
	conns := float64(p.CurrentConnections) / 100
	if conns > 1 {
		conns = 1
	}
	return 0.4*p.OverallScore + 0.3*(1-rt) + 0.2*(1-cost) + 0.1*(1-conns)
}

// weightedRoundRobin selects the candidate at the per-model counter's
// position within the weight-prefix sums, then advances the counter. The
// rest of the order falls back through the remaining candidates in
// declaration order on failure.
func (e *StrategyEngine) weightedRoundRobin(modelID uint, candidates []ProviderInfo) []ProviderInfo {
	total := 0
	for _, p := range candidates {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total == 0 {
		return candidates
	}

	e.mu.Lock()
	pos := e.wrrCounters[modelID] % uint64(total)
	e.wrrCounters[modelID]++
	e.mu.Unlock()

	selected := 0
	running := uint64(0)
	for i, p := range candidates {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		running += uint64(w)
		if pos < running {
			selected = i
			break
		}
	}

	out := make([]ProviderInfo, 0, len(candidates))
	out = append(out, candidates[selected])
	out = append(out, candidates[:selected]...)
	out = append(out, candidates[selected+1:]...)
	return out
}

// attempt dispatches to one candidate, tracking its in-flight connection
// count and folding the outcome into the link's persisted metrics and
// failure/circuit-breaker state.
func (e *StrategyEngine) attempt(ctx context.Context, modelID uint, p ProviderInfo, dispatch Dispatch) (*ChatResponse, error) {
	counter := e.counterFor(p.Link.ID)
	atomic.AddInt64(counter, 1)
	defer atomic.AddInt64(counter, -1)

	start := time.Now()
	resp, err := dispatch(ctx, p)
	elapsed := time.Since(start)

	bgCtx := context.Background()
	providerID := p.Link.ProviderID

	if err != nil {
		e.logger.Warn("provider dispatch failed",
			zap.String("provider", p.Name), zap.Uint("link_id", p.Link.ID), zap.Error(err))
		if ferr := e.repo.IncrementFailureCount(bgCtx, modelID, providerID); ferr != nil {
			e.logger.Warn("failed to record link failure", zap.Error(ferr))
		}
		if merr := e.repo.UpdateLinkMetrics(bgCtx, modelID, providerID, LinkMetricUpdate{
			ResponseTime: elapsed,
			Success:      false,
		}); merr != nil {
			e.logger.Warn("failed to record failed-attempt metrics", zap.Error(merr))
		}
		return nil, err
	}

	if p.Link.FailureCount > 0 {
		if rerr := e.repo.ResetFailureCount(bgCtx, modelID, providerID); rerr != nil {
			e.logger.Warn("failed to reset link failure count", zap.Error(rerr))
		}
	}

	var tokens int64
	var cost float64
	if resp != nil {
		tokens = int64(resp.Usage.TotalTokens)
		cost = float64(tokens) / 1000 * p.CostPer1kTokens
	}
	if merr := e.repo.UpdateLinkMetrics(bgCtx, modelID, providerID, LinkMetricUpdate{
		ResponseTime: elapsed,
		Success:      true,
		Tokens:       tokens,
		Cost:         cost,
	}); merr != nil {
		e.logger.Warn("failed to record successful-attempt metrics", zap.Error(merr))
	}

	return resp, nil
}
