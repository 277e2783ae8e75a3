package llm

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Repository implements SPEC_FULL.md §4.1: typed reads/writes over the
// routing schema. It owns Model, Provider, ApiKey, Capability and the
// ModelProviderLink join, and is the single place link scores are
// recomputed (§4.7).
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
	creds  *CredentialSelector
}

// NewRepository builds a Repository backed by db. creds may be nil, in
// which case GetBestApiKey constructs its own on-demand selector.
func NewRepository(db *gorm.DB, creds *CredentialSelector, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if creds == nil {
		creds = NewCredentialSelector(db, logger)
	}
	return &Repository{db: db, logger: logger, creds: creds}
}

// withRetry retries transient DB errors with exponential backoff, up to
// two extra attempts, per §4.1's failure policy. Constraint violations and
// not-found conditions are never retried.
func (r *Repository) withRetry(ctx context.Context, fn func() error) error {
	const maxAttempts = 3
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, gorm.ErrRecordNotFound) || isConstraintErr(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "UNIQUE") || contains(msg, "duplicate") || contains(msg, "constraint")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// GetAllModels returns every model, optionally filtered to enabled-only.
func (r *Repository) GetAllModels(ctx context.Context, enabledOnly bool) ([]LLMModel, error) {
	var models []LLMModel
	q := r.db.WithContext(ctx)
	if enabledOnly {
		q = q.Where("is_enabled = ?", true)
	}
	err := r.withRetry(ctx, func() error { return q.Find(&models).Error })
	return models, err
}

// GetModelByName returns a model by its unique name, or nil if absent.
func (r *Repository) GetModelByName(ctx context.Context, name string) (*LLMModel, error) {
	var model LLMModel
	err := r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// GetModelUpdatedAt is a cheap, indexed lookup used by the Registry's
// cache-validity check. It MUST NOT load the full row.
func (r *Repository) GetModelUpdatedAt(ctx context.Context, name string) (*time.Time, error) {
	var updatedAt time.Time
	err := r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Model(&LLMModel{}).
			Select("updated_at").Where("name = ?", name).
			Take(&updatedAt).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &updatedAt, nil
}

// GetEnabledLinksForModel returns the enabled ModelProviderLinks for a
// model, preloading each link's Provider.
func (r *Repository) GetEnabledLinksForModel(ctx context.Context, modelID uint) ([]LLMModelProvider, error) {
	var links []LLMModelProvider
	err := r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Preload("Provider").
			Where("model_id = ? AND is_enabled = ?", modelID, true).
			Order("priority desc, weight desc").
			Find(&links).Error
	})
	return links, err
}

// GetProviderByID returns a provider by id, or nil if absent.
func (r *Repository) GetProviderByID(ctx context.Context, id uint) (*LLMProvider, error) {
	var provider LLMProvider
	err := r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).First(&provider, id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &provider, nil
}

// GetBestApiKey returns the best usable ApiKey for a provider per §4.3,
// loading the provider's keys on demand if the selector's cache is cold.
func (r *Repository) GetBestApiKey(ctx context.Context, providerID uint) (*LLMProviderAPIKey, error) {
	if err := r.creds.LoadKeys(ctx, providerID); err != nil {
		return nil, err
	}
	key, err := r.creds.Select(providerID)
	if errors.Is(err, ErrNoAvailableAPIKey) {
		return nil, nil
	}
	return key, err
}

// GetAllModelsCapabilitiesBatch returns, for each requested model id, its
// capability list via a single JOIN — no per-model N+1 query.
func (r *Repository) GetAllModelsCapabilitiesBatch(ctx context.Context, modelIDs []uint) (map[uint][]Capability, error) {
	result := make(map[uint][]Capability, len(modelIDs))
	if len(modelIDs) == 0 {
		return result, nil
	}

	type row struct {
		ModelID uint
		Capability
	}
	var rows []row
	err := r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Table("llm_model_capabilities").
			Select("llm_model_capabilities.model_id, capabilities.*").
			Joins("JOIN capabilities ON capabilities.capability_id = llm_model_capabilities.capability_id").
			Where("llm_model_capabilities.model_id IN ?", modelIDs).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.ModelID] = append(result[row.ModelID], row.Capability)
	}
	return result, nil
}

// ProviderDetail is the per-(model,provider) row returned by
// GetAllModelsProvidersBatch: the resolved link plus its provider.
type ProviderDetail struct {
	Link     LLMModelProvider
	Provider LLMProvider
}

// GetAllModelsProvidersBatch returns, for each requested model id, the
// enabled links with their providers preloaded via a single JOIN.
func (r *Repository) GetAllModelsProvidersBatch(ctx context.Context, modelIDs []uint) (map[uint][]ProviderDetail, error) {
	result := make(map[uint][]ProviderDetail, len(modelIDs))
	if len(modelIDs) == 0 {
		return result, nil
	}

	var links []LLMModelProvider
	err := r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Preload("Provider").
			Where("model_id IN ? AND is_enabled = ?", modelIDs, true).
			Find(&links).Error
	})
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		detail := ProviderDetail{Link: link}
		if link.Provider != nil {
			detail.Provider = *link.Provider
		}
		result[link.ModelID] = append(result[link.ModelID], detail)
	}
	return result, nil
}

// LinkMetricUpdate carries the observation from a single dispatch.
type LinkMetricUpdate struct {
	ResponseTime time.Duration
	Success      bool
	Tokens       int64
	Cost         float64
}

// UpdateLinkMetrics folds one observation into a link's rolling counters
// and recomputes its health/performance/cost/overall scores per §4.7.
func (r *Repository) UpdateLinkMetrics(ctx context.Context, modelID, providerID uint, obs LinkMetricUpdate) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var link LLMModelProvider
			if err := tx.Set("gorm:query_option", "FOR UPDATE").
				Where("model_id = ? AND provider_id = ?", modelID, providerID).
				First(&link).Error; err != nil {
				return err
			}

			link.TotalRequests++
			if obs.Success {
				link.SuccessfulRequests++
			} else {
				link.FailedRequests++
			}
			link.TotalTokensUsed += obs.Tokens
			link.TotalCost += obs.Cost

			const alpha = 0.1
			rtMs := float64(obs.ResponseTime.Milliseconds())
			if link.ResponseTimeAvg == 0 {
				link.ResponseTimeAvg = rtMs
			} else {
				link.ResponseTimeAvg = alpha*rtMs + (1-alpha)*link.ResponseTimeAvg
			}
			if link.ResponseTimeMin == 0 || rtMs < link.ResponseTimeMin {
				link.ResponseTimeMin = rtMs
			}
			if rtMs > link.ResponseTimeMax {
				link.ResponseTimeMax = rtMs
			}

			link.SuccessRate = float64(link.SuccessfulRequests) / math.Max(float64(link.TotalRequests), 1)
			if link.TotalTokensUsed > 0 {
				link.CostPer1kTokens = link.TotalCost / float64(link.TotalTokensUsed) * 1000
			}

			recomputeScores(&link)

			return tx.Model(&LLMModelProvider{}).
				Where("model_id = ? AND provider_id = ?", modelID, providerID).
				Updates(map[string]any{
					"total_requests":      link.TotalRequests,
					"successful_requests": link.SuccessfulRequests,
					"failed_requests":     link.FailedRequests,
					"total_tokens_used":   link.TotalTokensUsed,
					"total_cost":          link.TotalCost,
					"response_time_avg":   link.ResponseTimeAvg,
					"response_time_min":   link.ResponseTimeMin,
					"response_time_max":   link.ResponseTimeMax,
					"success_rate":        link.SuccessRate,
					"cost_per_1k_tokens":  link.CostPer1kTokens,
					"health_score":        link.HealthScore,
					"performance_score":   link.PerformanceScore,
					"cost_score":          link.CostScore,
					"overall_score":       link.OverallScore,
				}).Error
		})
	})
}

// UpdateLinksMetricsBatch applies a batch of observations in one
// transaction — the Strategy Engine flushes its in-memory accumulator
// through this path (size ≈ 50 or every 5s, whichever first, per §5).
func (r *Repository) UpdateLinksMetricsBatch(ctx context.Context, updates map[[2]uint]LinkMetricUpdate) error {
	for key, obs := range updates {
		if err := r.UpdateLinkMetrics(ctx, key[0], key[1], obs); err != nil {
			r.logger.Warn("batch metric flush failed for link",
				zap.Uint("model_id", key[0]), zap.Uint("provider_id", key[1]), zap.Error(err))
		}
	}
	return nil
}

// responseTimeCeilingMs is the response time, in milliseconds, past which
// the performance/hybrid formulas treat a link as having zero latency
// score. ResponseTimeAvg is an EMA over time.Duration.Milliseconds(), so
// this is 10s — the millisecond equivalent of the §4.7 formula's /10
// divisor, which assumes a seconds-denominated response time.
const responseTimeCeilingMs = 10000.0

// recomputeScores applies §4.7's score formulas in place.
func recomputeScores(link *LLMModelProvider) {
	switch link.HealthStatus {
	case HealthHealthy:
		link.HealthScore = 1.0
	case HealthDegraded:
		link.HealthScore = 0.5
	default:
		link.HealthScore = 0.1
	}

	link.PerformanceScore = 0.5*math.Max(0, 1-link.ResponseTimeAvg/responseTimeCeilingMs) + 0.5*link.SuccessRate
	link.CostScore = math.Max(0, 1-link.CostPer1kTokens/0.1)
	link.OverallScore = 0.4*link.HealthScore + 0.4*link.PerformanceScore + 0.2*link.CostScore
}

// UpdateLinkHealth sets a link's health status and recomputes its scores.
func (r *Repository) UpdateLinkHealth(ctx context.Context, modelID, providerID uint, status HealthStatus) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var link LLMModelProvider
			if err := tx.Where("model_id = ? AND provider_id = ?", modelID, providerID).First(&link).Error; err != nil {
				return err
			}
			link.HealthStatus = status
			now := time.Now()
			link.LastHealthCheck = &now
			recomputeScores(&link)
			return tx.Model(&LLMModelProvider{}).
				Where("model_id = ? AND provider_id = ?", modelID, providerID).
				Updates(map[string]any{
					"health_status":     link.HealthStatus,
					"last_health_check": link.LastHealthCheck,
					"health_score":      link.HealthScore,
					"overall_score":     link.OverallScore,
				}).Error
		})
	})
}

// IncrementFailureCount bumps a link's failure_count/last_failure_time and,
// if auto_disable_on_failure crosses max_failures, disables the link.
func (r *Repository) IncrementFailureCount(ctx context.Context, modelID, providerID uint) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var link LLMModelProvider
			if err := tx.Where("model_id = ? AND provider_id = ?", modelID, providerID).First(&link).Error; err != nil {
				return err
			}
			link.FailureCount++
			now := time.Now()
			link.LastFailureTime = &now

			updates := map[string]any{
				"failure_count":     link.FailureCount,
				"last_failure_time": link.LastFailureTime,
			}
			if link.AutoDisableOnFailure && link.MaxFailures > 0 && link.FailureCount >= link.MaxFailures {
				updates["is_enabled"] = false
				updates["health_status"] = HealthUnhealthy
			}
			return tx.Model(&LLMModelProvider{}).
				Where("model_id = ? AND provider_id = ?", modelID, providerID).
				Updates(updates).Error
		})
	})
}

// ResetFailureCount clears a link's failure_count, e.g. after a successful
// half-open probe closes its circuit breaker.
func (r *Repository) ResetFailureCount(ctx context.Context, modelID, providerID uint) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Model(&LLMModelProvider{}).
			Where("model_id = ? AND provider_id = ?", modelID, providerID).
			Updates(map[string]any{"failure_count": 0, "last_failure_time": nil}).Error
	})
}

// ResetDailyUsage delegates to the credential selector's quota reset sweep.
func (r *Repository) ResetDailyUsage(ctx context.Context) error {
	return r.creds.ResetDailyUsage(ctx)
}
