package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelrouter/gateway/internal/cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// defaultLinkParams fills in §4.2's documented defaults for keys missing
// from both the per-link and generic LLMModelParam rows.
var defaultLinkParams = map[string]string{
	"max_tokens":  "4096",
	"temperature": "1.0",
	"timeout":     "30s",
	"retry_count": "2",
}

// ConfigResolver implements SPEC_FULL.md §4.2: resolve(modelName) with a
// version-checked in-process cache, an optional Redis second tier, and
// single-flight collapsing of concurrent cache-miss refreshes.
type ConfigResolver struct {
	repo   *Repository
	cache  *cache.Manager // optional distributed second tier, may be nil
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*ResolvedConfig

	group singleflight.Group
}

// NewConfigResolver builds a resolver backed by repo. distCache may be nil
// to run with only the in-process tier.
func NewConfigResolver(repo *Repository, distCache *cache.Manager, logger *zap.Logger) *ConfigResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigResolver{
		repo:    repo,
		cache:   distCache,
		logger:  logger,
		entries: make(map[string]*ResolvedConfig),
	}
}

// Resolve returns the ResolvedConfig for modelName, or nil if the model is
// unknown, disabled, or has no usable links.
func (c *ConfigResolver) Resolve(ctx context.Context, modelName string) (*ResolvedConfig, error) {
	updatedAt, err := c.repo.GetModelUpdatedAt(ctx, modelName)
	if err != nil {
		return nil, err
	}
	if updatedAt == nil {
		return nil, nil
	}

	c.mu.RLock()
	cached, ok := c.entries[modelName]
	c.mu.RUnlock()
	if ok && cached.UpdatedAt.Equal(*updatedAt) {
		return cached, nil
	}

	// Collapse concurrent cache misses for the same model into one rebuild.
	v, err, _ := c.group.Do(modelName, func() (any, error) {
		return c.rebuild(ctx, modelName)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*ResolvedConfig), nil
}

func (c *ConfigResolver) rebuild(ctx context.Context, modelName string) (*ResolvedConfig, error) {
	model, err := c.repo.GetModelByName(ctx, modelName)
	if err != nil {
		return nil, err
	}
	if model == nil || !model.IsEnabled {
		return nil, nil
	}

	links, err := c.repo.GetEnabledLinksForModel(ctx, model.ID)
	if err != nil {
		return nil, err
	}

	providers := make([]ResolvedProviderConfig, 0, len(links))
	for _, link := range links {
		if link.Provider == nil || !link.Provider.IsEnabled {
			c.logger.Warn("skipping link with disabled or missing provider",
				zap.String("model", modelName), zap.Uint("provider_id", link.ProviderID))
			continue
		}

		key, err := c.repo.GetBestApiKey(ctx, link.ProviderID)
		if err != nil {
			c.logger.Warn("skipping link: api key lookup failed",
				zap.String("model", modelName), zap.Uint("provider_id", link.ProviderID), zap.Error(err))
			continue
		}
		if key == nil {
			c.logger.Warn("skipping link: no usable api key",
				zap.String("model", modelName), zap.Uint("provider_id", link.ProviderID))
			continue
		}

		params, err := c.mergedParams(ctx, model.ID, link.ProviderID)
		if err != nil {
			return nil, err
		}

		providers = append(providers, ResolvedProviderConfig{
			LinkID:          link.ID,
			ProviderID:      link.ProviderID,
			Name:            link.Provider.Name,
			ProviderType:    link.Provider.ProviderType,
			BaseURL:         link.Provider.BaseURL(),
			APIKey:          key.Secret,
			APIKeyID:        key.ID,
			Weight:          link.Weight,
			Priority:        link.Priority,
			IsPreferred:     link.IsPreferred,
			Strategy:        link.Strategy,
			CostPer1kTokens: link.CostPer1kTokens,
			Params:          params,
		})
	}

	if len(providers) == 0 {
		return nil, nil
	}

	resolved := &ResolvedConfig{
		ModelName: model.Name,
		LLMType:   model.LLMType,
		Providers: providers,
		UpdatedAt: model.UpdatedAt,
	}

	c.mu.Lock()
	c.entries[modelName] = resolved
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, resolveCacheKey(modelName), resolved, 5*time.Minute); err != nil {
			c.logger.Warn("failed to write resolved config to distributed cache", zap.Error(err))
		}
	}

	return resolved, nil
}

// mergedParams merges per-link params over generic (provider_id IS NULL)
// params over the documented defaults, per §4.2 step 3.
func (c *ConfigResolver) mergedParams(ctx context.Context, modelID, providerID uint) (map[string]string, error) {
	var rows []LLMModelParam
	err := c.repo.withRetry(ctx, func() error {
		return c.repo.db.WithContext(ctx).
			Where("model_id = ? AND (provider_id IS NULL OR provider_id = ?)", modelID, providerID).
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(defaultLinkParams))
	for k, v := range defaultLinkParams {
		merged[k] = v
	}
	// Generic rows first, per-link rows applied after so they win ties.
	for _, row := range rows {
		if row.ProviderID == nil {
			merged[row.Key] = row.Value
		}
	}
	for _, row := range rows {
		if row.ProviderID != nil {
			merged[row.Key] = row.Value
		}
	}
	return merged, nil
}

// RefreshAll clears the in-process cache and eagerly preloads every
// enabled model. Called at startup and on an external config-reload signal.
func (c *ConfigResolver) RefreshAll(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]*ResolvedConfig)
	c.mu.Unlock()

	models, err := c.repo.GetAllModels(ctx, true)
	if err != nil {
		return err
	}
	for _, model := range models {
		if _, err := c.rebuild(ctx, model.Name); err != nil {
			c.logger.Warn("refreshAll: failed to preload model", zap.String("model", model.Name), zap.Error(err))
		}
	}
	return nil
}

func resolveCacheKey(modelName string) string {
	return fmt.Sprintf("gateway:resolved_config:%s", modelName)
}
