package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNoAvailableAPIKey is returned when a provider has no usable key left.
var ErrNoAvailableAPIKey = errors.New("no available API key")

// CredentialSelector implements SPEC_FULL.md §4.3: given a provider id,
// return the best enabled ApiKey. Keys are cached per provider and
// refreshed from the Repository on demand; usage accounting is written
// back asynchronously so the hot path never blocks on a DB round trip.
type CredentialSelector struct {
	mu     sync.RWMutex
	db     *gorm.DB
	logger *zap.Logger
	keys   map[uint][]*LLMProviderAPIKey // providerID -> enabled keys, cached
}

// NewCredentialSelector creates a selector backed by db.
func NewCredentialSelector(db *gorm.DB, logger *zap.Logger) *CredentialSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialSelector{
		db:     db,
		logger: logger,
		keys:   make(map[uint][]*LLMProviderAPIKey),
	}
}

// LoadKeys (re)loads the enabled key set for a provider from the database.
func (s *CredentialSelector) LoadKeys(ctx context.Context, providerID uint) error {
	var keys []*LLMProviderAPIKey
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND is_enabled = ?", providerID, true).
		Find(&keys).Error
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.keys[providerID] = keys
	s.mu.Unlock()
	return nil
}

// Select returns the best usable key for providerID per §4.3:
// filter enabled+quota, restrict to preferred if any exist, sort by
// weight desc then id asc, return the first.
func (s *CredentialSelector) Select(providerID uint) (*LLMProviderAPIKey, error) {
	s.mu.RLock()
	keys := s.keys[providerID]
	s.mu.RUnlock()

	usable := make([]*LLMProviderAPIKey, 0, len(keys))
	for _, k := range keys {
		if k.IsUsable() {
			usable = append(usable, k)
		}
	}
	if len(usable) == 0 {
		return nil, ErrNoAvailableAPIKey
	}

	preferred := make([]*LLMProviderAPIKey, 0, len(usable))
	for _, k := range usable {
		if k.IsPreferred {
			preferred = append(preferred, k)
		}
	}
	if len(preferred) > 0 {
		usable = preferred
	}

	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].Weight != usable[j].Weight {
			return usable[i].Weight > usable[j].Weight
		}
		return usable[i].ID < usable[j].ID
	})

	return usable[0], nil
}

// RecordUsage increments usage_count for the chosen key on every dispatch
// (success or failure per §4.3) and persists the counter asynchronously.
func (s *CredentialSelector) RecordUsage(keyID uint) {
	s.mu.Lock()
	var updated *LLMProviderAPIKey
	for _, keys := range s.keys {
		for _, k := range keys {
			if k.ID == keyID {
				k.UsageCount++
				now := time.Now()
				k.LastUsedAt = &now
				updated = k
				break
			}
		}
		if updated != nil {
			break
		}
	}
	s.mu.Unlock()

	if updated == nil {
		return
	}

	snapshot := struct {
		ID         uint
		UsageCount int64
		LastUsedAt *time.Time
	}{ID: updated.ID, UsageCount: updated.UsageCount, LastUsedAt: updated.LastUsedAt}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic updating api key usage", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := s.db.WithContext(ctx).Model(&LLMProviderAPIKey{}).
			Where("id = ?", snapshot.ID).
			Updates(map[string]any{
				"usage_count":  snapshot.UsageCount,
				"last_used_at": snapshot.LastUsedAt,
			}).Error
		if err != nil {
			s.logger.Error("failed to persist api key usage", zap.Uint("key_id", snapshot.ID), zap.Error(err))
		}
	}()
}

// ResetDailyUsage zeroes usage_count for every key, per the daily quota
// reset sweep described in SPEC_FULL.md §12. Nothing in the server
// schedules it; the daily trigger is left to the caller.
func (s *CredentialSelector) ResetDailyUsage(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&LLMProviderAPIKey{}).
		Where("usage_count > ?", 0).
		Update("usage_count", 0).Error
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, keys := range s.keys {
		for _, k := range keys {
			k.UsageCount = 0
		}
	}
	s.mu.Unlock()
	return nil
}
