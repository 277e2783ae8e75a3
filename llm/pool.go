package llm

import (
	"context"
	"sync"
	"time"

	"github.com/modelrouter/gateway/types"
	"go.uber.org/zap"
)

// AdapterStatus is the lifecycle state of one pooled adapter instance.
type AdapterStatus string

const (
	AdapterAvailable AdapterStatus = "available"
	AdapterInUse     AdapterStatus = "in_use"
	AdapterUnhealthy AdapterStatus = "unhealthy"
	AdapterExpired   AdapterStatus = "expired"
)

// AdapterPoolConfig configures the bounded per-(model,provider) pool, per
// SPEC_FULL.md §4.5.
type AdapterPoolConfig struct {
	MinSize         int
	MaxSize         int
	MaxIdle         time.Duration
	MaxUses         int
	CleanupInterval time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
}

// DefaultAdapterPoolConfig returns §4.5's documented defaults.
func DefaultAdapterPoolConfig() AdapterPoolConfig {
	return AdapterPoolConfig{
		MinSize:         2,
		MaxSize:         10,
		MaxIdle:         300 * time.Second,
		MaxUses:         1000,
		CleanupInterval: 60 * time.Second,
		HealthInterval:  300 * time.Second,
		AcquireTimeout:  30 * time.Second,
	}
}

// AdapterFactory constructs a fresh Provider instance for one resolved
// (model, provider) credential. Supplied by the composition root so the
// pool itself never depends on llm/factory's provider registrations.
type AdapterFactory func(ctx context.Context, cfg ResolvedProviderConfig) (Provider, error)

type pooledAdapter struct {
	provider        Provider
	status          AdapterStatus
	createdAt       time.Time
	lastUsedAt      time.Time
	useCount        int
	lastHealthCheck time.Time
}

type poolKey struct {
	model    string
	provider string
}

// subPool is the bounded pool for one (model, provider) pair.
type subPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	cfg      ResolvedProviderConfig
	adapters []*pooledAdapter
}

// AdapterPool implements SPEC_FULL.md §4.5: a bounded pool of Provider
// instances per (modelName, providerName), with idle/age/use-count
// expiry, background cleanup and health sweeps, and a blocking acquire
// that times out to ErrPoolExhausted.
type AdapterPool struct {
	cfg     AdapterPoolConfig
	factory AdapterFactory
	logger  *zap.Logger

	mu    sync.Mutex
	pools map[poolKey]*subPool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAdapterPool builds a pool backed by factory. cfg zero-values fall
// back to DefaultAdapterPoolConfig's fields individually.
func NewAdapterPool(factory AdapterFactory, cfg AdapterPoolConfig, logger *zap.Logger) *AdapterPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultAdapterPoolConfig()
	if cfg.MinSize <= 0 {
		cfg.MinSize = d.MinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = d.MaxSize
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = d.MaxIdle
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = d.MaxUses
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = d.HealthInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = d.AcquireTimeout
	}
	return &AdapterPool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		pools:   make(map[poolKey]*subPool),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background cleanup and health-probe loops.
func (p *AdapterPool) Start() {
	p.wg.Add(2)
	go p.cleanupLoop()
	go p.healthLoop()
}

// Stop halts the background loops. Pooled adapters are left as-is; callers
// that need a clean shutdown should drop their reference to the pool.
func (p *AdapterPool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *AdapterPool) subPoolFor(key poolKey, cfg ResolvedProviderConfig) *subPool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sp, ok := p.pools[key]
	if ok {
		return sp
	}
	sp = &subPool{cfg: cfg}
	sp.cond = sync.NewCond(&sp.mu)
	p.pools[key] = sp

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()
	for i := 0; i < p.cfg.MinSize; i++ {
		adapter, err := p.construct(ctx, cfg)
		if err != nil {
			p.logger.Warn("adapter pool: eager construction failed",
				zap.String("model", key.model), zap.String("provider", key.provider), zap.Error(err))
			continue
		}
		sp.adapters = append(sp.adapters, adapter)
	}
	return sp
}

func (p *AdapterPool) construct(ctx context.Context, cfg ResolvedProviderConfig) (*pooledAdapter, error) {
	provider, err := p.factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &pooledAdapter{
		provider:        provider,
		status:          AdapterInUse,
		createdAt:       now,
		lastUsedAt:      now,
		lastHealthCheck: now,
	}, nil
}

// Acquire returns a Provider for (modelName, providerName) and a release
// func the caller MUST invoke exactly once when finished. cfg supplies the
// credential/endpoint to build a fresh adapter if the pool must grow.
func (p *AdapterPool) Acquire(ctx context.Context, modelName, providerName string, cfg ResolvedProviderConfig) (Provider, func(), error) {
	key := poolKey{model: modelName, provider: providerName}
	sp := p.subPoolFor(key, cfg)
	return sp.acquire(ctx, p)
}

func (sp *subPool) acquire(ctx context.Context, p *AdapterPool) (Provider, func(), error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)

	sp.mu.Lock()
	for {
		if adapter := sp.scanAvailable(p); adapter != nil {
			sp.mu.Unlock()
			return adapter.provider, sp.releaser(adapter), nil
		}

		if len(sp.adapters) < p.cfg.MaxSize {
			sp.mu.Unlock()
			adapter, err := p.construct(ctx, sp.cfg)
			sp.mu.Lock()
			if err != nil {
				sp.mu.Unlock()
				return nil, nil, err
			}
			sp.adapters = append(sp.adapters, adapter)
			sp.mu.Unlock()
			return adapter.provider, sp.releaser(adapter), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			sp.mu.Unlock()
			return nil, nil, types.NewError(types.ErrPoolExhausted, "adapter pool exhausted").WithHTTPStatus(503)
		}

		// cond.Wait must be called with sp.mu held (it unlocks/relocks
		// internally); a timer broadcasts so the wait can't block past
		// AcquireTimeout even with no releaser to wake it.
		timer := time.AfterFunc(remaining, func() {
			sp.mu.Lock()
			sp.cond.Broadcast()
			sp.mu.Unlock()
		})
		sp.cond.Wait()
		timer.Stop()

		if ctx.Err() != nil {
			sp.mu.Unlock()
			return nil, nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			sp.mu.Unlock()
			return nil, nil, types.NewError(types.ErrPoolExhausted, "adapter pool exhausted").WithHTTPStatus(503)
		}
	}
}

// scanAvailable must be called with sp.mu held. It marks expired adapters
// EXPIRED in passing and returns the first usable AVAILABLE one, or nil.
func (sp *subPool) scanAvailable(p *AdapterPool) *pooledAdapter {
	now := time.Now()
	for _, a := range sp.adapters {
		if a.status != AdapterAvailable {
			continue
		}
		if now.Sub(a.lastUsedAt) > p.cfg.MaxIdle || a.useCount >= p.cfg.MaxUses {
			a.status = AdapterExpired
			continue
		}
		a.status = AdapterInUse
		a.lastUsedAt = now
		a.useCount++
		return a
	}
	return nil
}

func (sp *subPool) releaser(a *pooledAdapter) func() {
	return func() {
		sp.mu.Lock()
		a.status = AdapterAvailable
		a.lastUsedAt = time.Now()
		sp.cond.Signal()
		sp.mu.Unlock()
	}
}

func (p *AdapterPool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanupOnce()
		}
	}
}

func (p *AdapterPool) cleanupOnce() {
	p.mu.Lock()
	snapshot := make([]*subPool, 0, len(p.pools))
	for _, sp := range p.pools {
		snapshot = append(snapshot, sp)
	}
	p.mu.Unlock()

	for _, sp := range snapshot {
		sp.mu.Lock()
		kept := sp.adapters[:0]
		for _, a := range sp.adapters {
			if a.status == AdapterExpired || a.status == AdapterUnhealthy {
				continue
			}
			kept = append(kept, a)
		}
		sp.adapters = kept

		deficit := p.cfg.MinSize - len(sp.adapters)
		cfg := sp.cfg
		sp.mu.Unlock()

		for i := 0; i < deficit; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
			adapter, err := p.construct(ctx, cfg)
			cancel()
			if err != nil {
				p.logger.Warn("adapter pool: cleanup refill failed", zap.Error(err))
				continue
			}
			adapter.status = AdapterAvailable
			sp.mu.Lock()
			sp.adapters = append(sp.adapters, adapter)
			sp.mu.Unlock()
		}
	}
}

func (p *AdapterPool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.healthOnce()
		}
	}
}

// healthOnce probes stale AVAILABLE adapters. Probes run outside the
// pool lock so a slow upstream never blocks acquirers.
func (p *AdapterPool) healthOnce() {
	p.mu.Lock()
	snapshot := make([]*subPool, 0, len(p.pools))
	for _, sp := range p.pools {
		snapshot = append(snapshot, sp)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, sp := range snapshot {
		sp.mu.Lock()
		var stale []*pooledAdapter
		for _, a := range sp.adapters {
			if (a.status == AdapterAvailable || a.status == AdapterUnhealthy) &&
				now.Sub(a.lastHealthCheck) >= p.cfg.HealthInterval {
				stale = append(stale, a)
			}
		}
		sp.mu.Unlock()

		for _, a := range stale {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			status, err := a.provider.HealthCheck(ctx)
			cancel()

			sp.mu.Lock()
			a.lastHealthCheck = time.Now()
			healthy := err == nil && status != nil && status.Healthy
			switch a.status {
			case AdapterAvailable:
				if !healthy {
					a.status = AdapterUnhealthy
				}
			case AdapterUnhealthy:
				if healthy {
					a.status = AdapterAvailable
				}
			}
			sp.cond.Signal()
			sp.mu.Unlock()
		}
	}
}
