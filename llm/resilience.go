package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelrouter/gateway/llm/circuitbreaker"
	"github.com/modelrouter/gateway/llm/idempotency"
	"github.com/modelrouter/gateway/llm/retry"
	"go.uber.org/zap"
)

// CircuitState is an alias for circuitbreaker.State, the authoritative definition.
type CircuitState = circuitbreaker.State

// Circuit state constants — aliases to circuitbreaker.State* values.
const (
	CircuitClosed   = circuitbreaker.StateClosed
	CircuitOpen     = circuitbreaker.StateOpen
	CircuitHalfOpen = circuitbreaker.StateHalfOpen
)

// CircuitBreakerConfig configures the breaker embedded in a ResilientProvider.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
}

// DefaultCircuitBreakerConfig returns conservative defaults for an adapter-level breaker.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// simpleCircuitBreaker is a lightweight breaker used internally by ResilientProvider.
// For the Strategy Engine's per-link breaker, see llm/strategy.go, which reimplements
// the same state machine against the persisted ModelProviderLink fields instead of
// in-memory counters.
type simpleCircuitBreaker struct {
	config          *CircuitBreakerConfig
	state           atomic.Int32
	failures        atomic.Int32
	successes       atomic.Int32
	lastFailureTime atomic.Int64
	mu              sync.RWMutex
	logger          *zap.Logger
}

// ErrCircuitOpen is returned by a ResilientProvider while its breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

func newSimpleCircuitBreaker(config *CircuitBreakerConfig, logger *zap.Logger) *simpleCircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &simpleCircuitBreaker{
		config: config,
		logger: logger,
	}
}

func (cb *simpleCircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Call executes fn under breaker protection. The mutex serializes the
// open->half-open transition check against concurrent callers.
func (cb *simpleCircuitBreaker) Call(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	state := CircuitState(cb.state.Load())

	if state == CircuitOpen {
		if time.Now().UnixNano()-cb.lastFailureTime.Load() > cb.config.Timeout.Nanoseconds() {
			cb.state.Store(int32(CircuitHalfOpen))
			cb.successes.Store(0)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	cb.mu.Unlock()

	err := fn()

	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

func (cb *simpleCircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(time.Now().UnixNano())

	if failures >= int32(cb.config.FailureThreshold) {
		cb.state.Store(int32(CircuitOpen))
		cb.logger.Warn("circuit breaker opened", zap.Int32("failures", failures))
	}
}

// recordSuccess transitions half-open -> closed under lock so concurrent
// successful calls can't trigger the transition twice.
func (cb *simpleCircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := CircuitState(cb.state.Load())
	if state == CircuitHalfOpen {
		successes := cb.successes.Add(1)
		if successes >= int32(cb.config.SuccessThreshold) {
			cb.state.Store(int32(CircuitClosed))
			cb.failures.Store(0)
			cb.logger.Info("circuit breaker closed")
		}
	} else {
		cb.failures.Store(0)
	}
}

// ResilientProvider wraps a Provider with retry, a breaker, and idempotent
// replay of completions. It sits below the Strategy Engine in the Adapter
// Pool's dispatch path, protecting a single provider's transport from
// transient failures; link-level health accounting lives in the Repository.
type ResilientProvider struct {
	provider       Provider
	retryer        retry.Retryer
	circuitBreaker *simpleCircuitBreaker
	idempotency    idempotency.Manager
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// ResilientConfig configures a ResilientProvider.
type ResilientConfig struct {
	RetryPolicy       *retry.RetryPolicy
	CircuitBreaker    *CircuitBreakerConfig
	EnableIdempotency bool
	IdempotencyTTL    time.Duration
	// Idempotency, when set, backs request replay with a shared store
	// (e.g. Redis) so duplicate requests are deduplicated across
	// process restarts and across Adapter Pool instances. Defaults to
	// an in-process memory manager when nil and EnableIdempotency is true.
	Idempotency idempotency.Manager
}

// NewResilientProviderSimple creates a ResilientProvider with default settings.
func NewResilientProviderSimple(provider Provider, _ any, logger *zap.Logger) *ResilientProvider {
	return NewResilientProvider(provider, nil, logger)
}

// NewResilientProvider wraps provider with retry, breaker, and idempotency per config.
func NewResilientProvider(provider Provider, config *ResilientConfig, logger *zap.Logger) *ResilientProvider {
	if config == nil {
		config = &ResilientConfig{
			RetryPolicy:       retry.DefaultRetryPolicy(),
			CircuitBreaker:    DefaultCircuitBreakerConfig(),
			EnableIdempotency: true,
			IdempotencyTTL:    1 * time.Hour,
		}
	}

	var idm idempotency.Manager
	if config.EnableIdempotency {
		idm = config.Idempotency
		if idm == nil {
			idm = idempotency.NewMemoryManager(logger)
		}
	}

	return &ResilientProvider{
		provider:       provider,
		retryer:        retry.NewBackoffRetryer(config.RetryPolicy, logger),
		circuitBreaker: newSimpleCircuitBreaker(config.CircuitBreaker, logger),
		idempotency:    idm,
		idempotencyTTL: config.IdempotencyTTL,
		logger:         logger,
	}
}

// Completion executes a chat request with idempotent replay, retry, and breaker protection.
func (rp *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var key string
	if rp.idempotency != nil {
		key = rp.generateIdempotencyKey(req)
		if cached, found, err := idempotency.GetTyped[ChatResponse](rp.idempotency, ctx, key); err == nil && found {
			return &cached, nil
		}
	}

	var resp *ChatResponse

	err := rp.circuitBreaker.Call(ctx, func() error {
		// Try once outside the retryer so a non-retryable error (bad request,
		// auth failure) fails fast instead of burning the backoff schedule.
		r, cerr := rp.provider.Completion(ctx, req)
		if cerr == nil {
			resp = r
			return nil
		}
		if !IsRetryable(cerr) {
			return cerr
		}

		result, rerr := rp.retryer.DoWithResult(ctx, func() (any, error) {
			return rp.provider.Completion(ctx, req)
		})
		if rerr != nil {
			return rerr
		}
		resp = result.(*ChatResponse)
		return nil
	})

	if err != nil {
		return nil, err
	}

	if rp.idempotency != nil {
		if setErr := idempotency.SetTyped(rp.idempotency, ctx, key, *resp, rp.idempotencyTTL); setErr != nil {
			rp.logger.Warn("failed to persist idempotency entry", zap.Error(setErr))
		}
	}

	return resp, nil
}

// Stream executes a streaming request under breaker protection; streaming
// responses are never retried or replayed since partial output can't be undone.
func (rp *ResilientProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if rp.circuitBreaker.State() == CircuitOpen {
		return nil, ErrCircuitOpen
	}
	return rp.provider.Stream(ctx, req)
}

func (rp *ResilientProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return rp.provider.HealthCheck(ctx)
}

func (rp *ResilientProvider) Name() string {
	return rp.provider.Name()
}

func (rp *ResilientProvider) SupportsNativeFunctionCalling() bool {
	return rp.provider.SupportsNativeFunctionCalling()
}

func (rp *ResilientProvider) ListModels(ctx context.Context) ([]Model, error) {
	return rp.provider.ListModels(ctx)
}

func (rp *ResilientProvider) generateIdempotencyKey(req *ChatRequest) string {
	key, err := rp.idempotency.GenerateKey(req.Model, req.Messages)
	if err == nil {
		return key
	}
	data, _ := json.Marshal(struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
	}{Model: req.Model, Messages: req.Messages})
	return string(data)
}
