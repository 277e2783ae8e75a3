package llm

import (
	"context"
	"strconv"

	"github.com/modelrouter/gateway/llm/tokenizer"
	"github.com/modelrouter/gateway/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Router implements SPEC_FULL.md §4.8: resolve a model name through the
// Registry, build the candidate link list, and delegate selection and
// dispatch to the Strategy Engine.
type Router struct {
	repo     *Repository
	resolver *ConfigResolver
	strategy *StrategyEngine
	pool     *AdapterPool
	logger   *zap.Logger

	refreshGroup singleflight.Group
}

// NewRouter wires a Router over an already-constructed Registry, Strategy
// Engine and Adapter Pool.
func NewRouter(repo *Repository, resolver *ConfigResolver, strategy *StrategyEngine, pool *AdapterPool, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		repo:     repo,
		resolver: resolver,
		strategy: strategy,
		pool:     pool,
		logger:   logger,
	}
}

// Completion routes req to a provider and returns its response, falling
// through to the next candidate per the model's configured strategy.
func (r *Router) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resolved, err := r.resolveWithRetry(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, types.NewError(types.ErrModelUnavailable, "model is not available").
			WithHTTPStatus(404)
	}

	model, err := r.repo.GetModelByName(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, types.NewError(types.ErrModelUnavailable, "model is not available").WithHTTPStatus(404)
	}

	links, err := r.repo.GetEnabledLinksForModel(ctx, model.ID)
	if err != nil {
		return nil, err
	}

	creds := make(map[uint]ResolvedProviderConfig, len(resolved.Providers))
	for _, p := range resolved.Providers {
		creds[p.LinkID] = p
	}

	strategy, cfg := strategyFor(req, resolved)
	cfg.EstimatedTokens = estimateRequestTokens(req)

	dispatch := func(ctx context.Context, p ProviderInfo) (*ChatResponse, error) {
		return r.dispatch(ctx, req, p)
	}
	return r.strategy.Execute(ctx, model.ID, links, creds, strategy, cfg, dispatch)
}

// resolveWithRetry resolves modelName, and on a cache/DB miss attempts
// exactly one RefreshAll before giving up — collapsed across concurrent
// callers by a process-global single-flight lock.
func (r *Router) resolveWithRetry(ctx context.Context, modelName string) (*ResolvedConfig, error) {
	resolved, err := r.resolver.Resolve(ctx, modelName)
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		return resolved, nil
	}

	_, err, _ = r.refreshGroup.Do("refresh-all", func() (any, error) {
		return nil, r.resolver.RefreshAll(ctx)
	})
	if err != nil {
		return nil, err
	}

	return r.resolver.Resolve(ctx, modelName)
}

// strategyFor picks the strategy and its config for a request: the
// model's first configured link carries the default strategy, overridable
// by an explicit "specified_provider" key in the request metadata.
func strategyFor(req *ChatRequest, resolved *ResolvedConfig) (Strategy, StrategyConfig) {
	strategy := StrategyAuto
	if len(resolved.Providers) > 0 && resolved.Providers[0].Strategy != "" {
		strategy = Strategy(resolved.Providers[0].Strategy)
	}

	cfg := StrategyConfig{}
	if len(resolved.Providers) > 0 {
		params := resolved.Providers[0].Params
		cfg.PreferredProvider = params["preferred_provider"]
		if v, err := strconv.ParseFloat(params["max_cost_threshold"], 64); err == nil {
			cfg.MaxCostThreshold = v
		}
	}
	if req.Metadata != nil {
		if v := req.Metadata["specified_provider"]; v != "" {
			cfg.SpecifiedProvider = v
			strategy = StrategySpecifiedProvider
		}
	}
	return strategy, cfg
}

// estimateRequestTokens projects the prompt token count for req so
// cost_optimized/hybrid can compare a per-request cost instead of a bare
// per-1k-token price. Falls back to a character-count estimator when no
// exact tokenizer is registered for the model.
func estimateRequestTokens(req *ChatRequest) int64 {
	msgs := make([]tokenizer.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, tokenizer.Message{Role: string(m.Role), Content: m.Content})
	}
	tok := tokenizer.GetTokenizerOrEstimator(req.Model)
	count, err := tok.CountMessages(msgs)
	if err != nil || count <= 0 {
		return 0
	}
	return int64(count)
}

// dispatch acquires a pooled adapter for p and runs req through it,
// releasing the adapter back to the pool when done.
func (r *Router) dispatch(ctx context.Context, req *ChatRequest, p ProviderInfo) (*ChatResponse, error) {
	provider, release, err := r.pool.Acquire(ctx, req.Model, p.Name, p.Resolved)
	if err != nil {
		return nil, err
	}
	defer release()

	return provider.Completion(ctx, req)
}

// Stream routes req to a provider's streaming path. Unlike Completion, a
// stream is dispatched to the single best candidate only — once bytes
// have started flowing to the client there is no safe place to fall
// through to a different provider.
func (r *Router) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	resolved, err := r.resolveWithRetry(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, types.NewError(types.ErrModelUnavailable, "model is not available").WithHTTPStatus(404)
	}

	model, err := r.repo.GetModelByName(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, types.NewError(types.ErrModelUnavailable, "model is not available").WithHTTPStatus(404)
	}

	links, err := r.repo.GetEnabledLinksForModel(ctx, model.ID)
	if err != nil {
		return nil, err
	}
	creds := make(map[uint]ResolvedProviderConfig, len(resolved.Providers))
	for _, p := range resolved.Providers {
		creds[p.LinkID] = p
	}

	strategy, cfg := strategyFor(req, resolved)
	cfg.EstimatedTokens = estimateRequestTokens(req)
	candidates := r.strategy.buildCandidates(links, creds)
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrAllProvidersUnavailable, "no healthy providers available for model").
			WithHTTPStatus(503)
	}
	order, err := r.strategy.order(model.ID, candidates, strategy, cfg)
	if err != nil {
		return nil, err
	}

	provider, release, err := r.pool.Acquire(ctx, req.Model, order[0].Name, order[0].Resolved)
	if err != nil {
		return nil, err
	}

	ch, err := provider.Stream(ctx, req)
	if err != nil {
		release()
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer release()
		for chunk := range ch {
			out <- chunk
		}
	}()
	return out, nil
}

// HealthCheck reports healthy if the router itself is able to serve
// requests; per-link health lives in the HealthChecker instead.
func (r *Router) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true}, nil
}

// Name identifies the router when it is plugged into call sites expecting
// a plain llm.Provider.
func (r *Router) Name() string { return "router" }

// SupportsNativeFunctionCalling reports true since the underlying
// adapters negotiate tool support individually; unsupported tool calls
// are rejected by the chosen adapter itself.
func (r *Router) SupportsNativeFunctionCalling() bool { return true }

// ListModels is not supported at the router level: models are enumerated
// through the Repository, not a single upstream's model list.
func (r *Router) ListModels(ctx context.Context) ([]Model, error) { return nil, nil }
