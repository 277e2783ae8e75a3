package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ModelHealth is the aggregated outcome of one model's health sweep: a
// per-(model,provider) status map plus the overall rollup, per §4.6.
type ModelHealth struct {
	ModelName string
	Statuses  map[string]HealthStatus // providerName -> probe result
	Overall   HealthStatus
}

// HealthChecker implements SPEC_FULL.md §4.6: fan out healthCheck() probes
// across a model's adapters with a per-task timeout, aggregate the
// results, and write every status change through to the Repository.
// At most one global sweep (checkAll) may be in flight at a time;
// per-model sweeps (checkModel) may run concurrently with each other.
type HealthChecker struct {
	repo   *Repository
	logger *zap.Logger

	sweepMu sync.Mutex
	sweep   *sweepFuture // non-nil while a checkAll sweep is running
}

// sweepFuture lets a second CheckAll caller observe the in-progress
// sweep's result instead of starting a redundant one.
type sweepFuture struct {
	done   chan struct{}
	result map[string]ModelHealth
}

// NewHealthChecker builds a checker that writes link health through repo.
func NewHealthChecker(repo *Repository, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{repo: repo, logger: logger}
}

// adapterProbe is one (link, provider) pairing to probe.
type adapterProbe struct {
	ModelID    uint
	ProviderID uint
	Name       string
	Provider   Provider
}

// CheckModel fans out healthCheck() across adapters concurrently with
// perTaskTimeout each, falling back to sequential execution if the
// overall deadline would otherwise fire before every probe completes.
// Individual probe failures never cancel their peers.
func (h *HealthChecker) CheckModel(ctx context.Context, modelName string, adapters []adapterProbe, perTaskTimeout time.Duration) ModelHealth {
	deadline := time.Now().Add(perTaskTimeout * time.Duration(len(adapters)+1))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	statuses := make(map[string]HealthStatus, len(adapters))

	results, complete := h.probeConcurrent(ctx, adapters, perTaskTimeout, deadline)
	if !complete {
		// Concurrent sweep didn't finish before the deadline; keep its partial
		// results and let the sequential fallback pick up the adapters that
		// have not reported, for as long as the deadline allows.
		var pending []adapterProbe
		for _, a := range adapters {
			if _, ok := results[a.Name]; !ok {
				pending = append(pending, a)
			}
		}
		for name, status := range h.probeSequential(ctx, pending, perTaskTimeout, deadline) {
			results[name] = status
		}
	}

	for name, status := range results {
		statuses[name] = status
	}

	return ModelHealth{
		ModelName: modelName,
		Statuses:  statuses,
		Overall:   aggregateHealth(statuses),
	}
}

// probeConcurrent runs every probe in its own goroutine and collects
// results; if the deadline fires first it returns the results gathered so
// far and complete=false.
func (h *HealthChecker) probeConcurrent(ctx context.Context, adapters []adapterProbe, perTaskTimeout time.Duration, deadline time.Time) (results map[string]HealthStatus, complete bool) {
	type outcome struct {
		name   string
		status HealthStatus
	}
	out := make(chan outcome, len(adapters))

	for _, a := range adapters {
		go func(a adapterProbe) {
			out <- outcome{name: a.Name, status: h.probeOne(ctx, a, perTaskTimeout)}
		}(a)
	}

	results = make(map[string]HealthStatus, len(adapters))
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for i := 0; i < len(adapters); i++ {
		select {
		case o := <-out:
			results[o.name] = o.status
		case <-timer.C:
			return results, false
		}
	}
	return results, true
}

// probeSequential probes adapters one at a time, skipping any that don't
// fit before deadline. Partial results are returned, not an error.
func (h *HealthChecker) probeSequential(ctx context.Context, adapters []adapterProbe, perTaskTimeout time.Duration, deadline time.Time) map[string]HealthStatus {
	results := make(map[string]HealthStatus, len(adapters))
	for _, a := range adapters {
		if time.Now().After(deadline) {
			break
		}
		results[a.Name] = h.probeOne(ctx, a, perTaskTimeout)
	}
	return results
}

// probeOne calls HealthCheck and writes a status change through to the
// Repository. A probe exception yields unhealthy rather than propagating.
func (h *HealthChecker) probeOne(ctx context.Context, a adapterProbe, timeout time.Duration) HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	st, err := a.Provider.HealthCheck(probeCtx)
	latency := time.Since(start)

	status := HealthUnhealthy
	healthy := err == nil && st != nil && st.Healthy
	if err == nil && st != nil {
		if st.Latency > 0 {
			latency = st.Latency
		}
		if healthy {
			status = HealthHealthy
		} else if st.ErrorRate > 0 && st.ErrorRate < 0.5 {
			status = HealthDegraded
		}
	}

	observeProviderHealthCheck(a.Name, healthy, latency, err)

	if werr := h.repo.UpdateLinkHealth(context.Background(), a.ModelID, a.ProviderID, status); werr != nil {
		h.logger.Warn("failed to persist link health", zap.String("provider", a.Name), zap.Error(werr))
	}
	if err != nil {
		h.logger.Warn("adapter health probe failed", zap.String("provider", a.Name), zap.Error(err))
	}
	return status
}

// aggregateHealth rolls up per-provider statuses per §4.6: healthy iff
// every probe is healthy, unhealthy iff every probe is unhealthy,
// degraded otherwise, unknown if there were no probes.
func aggregateHealth(statuses map[string]HealthStatus) HealthStatus {
	if len(statuses) == 0 {
		return "unknown"
	}
	allHealthy, allUnhealthy := true, true
	for _, s := range statuses {
		if s != HealthHealthy {
			allHealthy = false
		}
		if s != HealthUnhealthy {
			allUnhealthy = false
		}
	}
	switch {
	case allHealthy:
		return HealthHealthy
	case allUnhealthy:
		return HealthUnhealthy
	default:
		return HealthDegraded
	}
}

// CheckAll fans out CheckModel across modelNames and aggregates into one
// map. Only one global sweep may run at a time; a concurrent caller waits
// for the in-progress sweep's result instead of starting a second one.
func (h *HealthChecker) CheckAll(ctx context.Context, models map[string][]adapterProbe, perTaskTimeout time.Duration) map[string]ModelHealth {
	h.sweepMu.Lock()
	if existing := h.sweep; existing != nil {
		h.sweepMu.Unlock()
		<-existing.done
		return existing.result
	}
	future := &sweepFuture{done: make(chan struct{})}
	h.sweep = future
	h.sweepMu.Unlock()

	result := make(map[string]ModelHealth, len(models))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, adapters := range models {
		wg.Add(1)
		go func(name string, adapters []adapterProbe) {
			defer wg.Done()
			mh := h.CheckModel(ctx, name, adapters, perTaskTimeout)
			mu.Lock()
			result[name] = mh
			mu.Unlock()
		}(name, adapters)
	}
	wg.Wait()

	future.result = result
	h.sweepMu.Lock()
	h.sweep = nil
	h.sweepMu.Unlock()
	close(future.done)

	return result
}
