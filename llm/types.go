package llm

import "time"

// ============================================================
// Model
// ============================================================

// LLMType enumerates what a Model is used for.
type LLMType string

const (
	LLMTypeChat       LLMType = "chat"
	LLMTypeCompletion LLMType = "completion"
	LLMTypeEmbedding  LLMType = "embedding"
	LLMTypeImage      LLMType = "image"
)

// LLMModel is a logical model name routed across one or more providers.
// UpdatedAt MUST advance on any change that affects routing (its own fields,
// or any association — link, provider, capability) so the Registry can use
// it as a cache version without a separate bump table.
type LLMModel struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"column:name;size:100;not null;uniqueIndex" json:"name"`
	LLMType     LLMType   `gorm:"column:llm_type;size:20;not null;default:chat" json:"llm_type"`
	IsEnabled   bool      `gorm:"column:is_enabled;default:true" json:"is_enabled"`
	DisplayName string    `gorm:"size:200" json:"display_name,omitempty"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `gorm:"index" json:"updated_at"`
}

func (LLMModel) TableName() string { return "llm_models" }

// ============================================================
// Provider
// ============================================================

// ProviderType selects which Adapter wire family a Provider speaks.
type ProviderType string

const (
	ProviderTypeOpenAI     ProviderType = "openai"
	ProviderTypeAnthropic  ProviderType = "anthropic"
	ProviderTypeGoogle     ProviderType = "google"
	ProviderTypeVolcengine ProviderType = "volcengine"
	ProviderTypeCustom     ProviderType = "custom"
	ProviderTypePrivate    ProviderType = "private"
)

// LLMProvider is an upstream backend. BaseURL resolves to
// OfficialEndpoint if set, else ThirdPartyEndpoint.
type LLMProvider struct {
	ID                  uint         `gorm:"primaryKey" json:"id"`
	Name                string       `gorm:"size:200;not null;uniqueIndex:idx_provider_name_type" json:"name"`
	ProviderType        ProviderType `gorm:"column:provider_type;size:20;not null;uniqueIndex:idx_provider_name_type" json:"provider_type"`
	OfficialEndpoint    string       `gorm:"column:official_endpoint;size:500" json:"official_endpoint,omitempty"`
	ThirdPartyEndpoint  string       `gorm:"column:third_party_endpoint;size:500" json:"third_party_endpoint,omitempty"`
	IsEnabled           bool         `gorm:"column:is_enabled;default:true" json:"is_enabled"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

func (LLMProvider) TableName() string { return "llm_providers" }

// BaseURL returns the endpoint an Adapter should dial for this provider.
func (p *LLMProvider) BaseURL() string {
	if p.OfficialEndpoint != "" {
		return p.OfficialEndpoint
	}
	return p.ThirdPartyEndpoint
}

// ============================================================
// ApiKey
// ============================================================

// LLMProviderAPIKey is a credential pooled under a Provider.
type LLMProviderAPIKey struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	ProviderID  uint       `gorm:"column:provider_id;not null;index:idx_apikey_provider" json:"provider_id"`
	Name        string     `gorm:"size:100" json:"name,omitempty"`
	Secret      string     `gorm:"column:secret;size:500;not null" json:"-"`
	Weight      int        `gorm:"default:1;check:weight > 0" json:"weight"`
	IsPreferred bool       `gorm:"column:is_preferred;default:false" json:"is_preferred"`
	IsEnabled   bool       `gorm:"column:is_enabled;default:true" json:"is_enabled"`
	DailyQuota  *int64     `gorm:"column:daily_quota" json:"daily_quota,omitempty"`
	UsageCount  int64      `gorm:"column:usage_count;default:0" json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Provider *LLMProvider `gorm:"foreignKey:ProviderID" json:"-"`
}

func (LLMProviderAPIKey) TableName() string { return "llm_provider_apikeys" }

// IsUsable reports whether the key may still be selected: enabled and,
// when a quota is set, under it.
func (k *LLMProviderAPIKey) IsUsable() bool {
	if !k.IsEnabled {
		return false
	}
	if k.DailyQuota != nil && k.UsageCount >= *k.DailyQuota {
		return false
	}
	return true
}

// ============================================================
// ModelProviderLink
// ============================================================

// HealthStatus is the aggregate health of a link.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CircuitBreakerConfig is the per-link breaker configuration, persisted
// alongside the link so breaker state survives process restarts.
type CircuitBreakerConfig struct {
	Enabled   bool          `json:"enabled"`
	Threshold int           `json:"threshold"`
	Timeout   time.Duration `json:"timeout"`
}

// LLMModelProvider (ModelProviderLink) is the many-to-many join between a
// Model and a Provider, carrying the routing weight/priority, the per-link
// circuit breaker, and rolling performance/cost metrics.
type LLMModelProvider struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	ModelID    uint `gorm:"column:model_id;not null;uniqueIndex:idx_model_provider" json:"model_id"`
	ProviderID uint `gorm:"column:provider_id;not null;uniqueIndex:idx_model_provider" json:"provider_id"`

	Weight      int    `gorm:"default:1;check:weight > 0" json:"weight"`
	Priority    int    `gorm:"default:100" json:"priority"`
	IsPreferred bool   `gorm:"column:is_preferred;default:false" json:"is_preferred"`
	IsEnabled   bool   `gorm:"column:is_enabled;default:true" json:"is_enabled"`
	Strategy    string `gorm:"size:50;default:auto" json:"strategy,omitempty"`

	// StrategyConfig holds strategy-specific knobs (specified_provider,
	// preferred_provider, max_cost_threshold, ...) as raw JSON so the set
	// can grow without a migration.
	StrategyConfig string `gorm:"column:strategy_config;type:text" json:"strategy_config,omitempty"`

	CircuitBreakerEnabled   bool          `gorm:"column:cb_enabled;default:true" json:"circuit_breaker_enabled"`
	CircuitBreakerThreshold int           `gorm:"column:cb_threshold;default:5" json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `gorm:"column:cb_timeout;default:30000000000" json:"circuit_breaker_timeout"`

	ResponseTimeAvg float64 `gorm:"column:response_time_avg;default:0" json:"response_time_avg"`
	ResponseTimeMin float64 `gorm:"column:response_time_min;default:0" json:"response_time_min"`
	ResponseTimeMax float64 `gorm:"column:response_time_max;default:0" json:"response_time_max"`
	SuccessRate     float64 `gorm:"column:success_rate;default:1" json:"success_rate"`

	TotalRequests      int64 `gorm:"column:total_requests;default:0" json:"total_requests"`
	SuccessfulRequests int64 `gorm:"column:successful_requests;default:0" json:"successful_requests"`
	FailedRequests     int64 `gorm:"column:failed_requests;default:0" json:"failed_requests"`

	TotalCost        float64 `gorm:"column:total_cost;default:0" json:"total_cost"`
	TotalTokensUsed  int64   `gorm:"column:total_tokens_used;default:0" json:"total_tokens_used"`
	CostPer1kTokens  float64 `gorm:"column:cost_per_1k_tokens;default:0" json:"cost_per_1k_tokens"`

	HealthStatus HealthStatus `gorm:"column:health_status;size:20;default:healthy" json:"health_status"`

	HealthScore      float64 `gorm:"column:health_score;default:1" json:"health_score"`
	PerformanceScore float64 `gorm:"column:performance_score;default:0.5" json:"performance_score"`
	CostScore        float64 `gorm:"column:cost_score;default:1" json:"cost_score"`
	OverallScore     float64 `gorm:"column:overall_score;default:0.7" json:"overall_score"`

	FailureCount         int        `gorm:"column:failure_count;default:0" json:"failure_count"`
	MaxFailures          int        `gorm:"column:max_failures;default:5" json:"max_failures"`
	AutoDisableOnFailure bool       `gorm:"column:auto_disable_on_failure;default:true" json:"auto_disable_on_failure"`
	LastFailureTime      *time.Time `gorm:"column:last_failure_time" json:"last_failure_time,omitempty"`
	LastHealthCheck      *time.Time `gorm:"column:last_health_check" json:"last_health_check,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Model    *LLMModel    `gorm:"foreignKey:ModelID" json:"-"`
	Provider *LLMProvider `gorm:"foreignKey:ProviderID" json:"-"`
}

func (LLMModelProvider) TableName() string { return "llm_model_providers" }

// CircuitBreaker returns the link's breaker config as a value type.
func (l *LLMModelProvider) CircuitBreaker() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:   l.CircuitBreakerEnabled,
		Threshold: l.CircuitBreakerThreshold,
		Timeout:   l.CircuitBreakerTimeout,
	}
}

// BreakerOpen reports whether the link's circuit is currently open, per
// SPEC_FULL.md §4.7: enabled, failure_count past threshold, and still
// inside the timeout window since the last failure.
func (l *LLMModelProvider) BreakerOpen(now time.Time) bool {
	if !l.CircuitBreakerEnabled || l.LastFailureTime == nil {
		return false
	}
	if l.FailureCount < l.CircuitBreakerThreshold {
		return false
	}
	return now.Sub(*l.LastFailureTime) < l.CircuitBreakerTimeout
}

// ============================================================
// Model-level parameters (generic and per-link overrides)
// ============================================================

// LLMModelParam is a key/value parameter attached either to a Model
// generically (ProviderID == nil) or to one of its links
// (ProviderID set). Per-link rows override generic rows with the same
// key when the Registry merges them (SPEC_FULL.md §4.2 step 3).
type LLMModelParam struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	ModelID    uint    `gorm:"column:model_id;not null;index:idx_param_model" json:"model_id"`
	ProviderID *uint   `gorm:"column:provider_id;index:idx_param_model" json:"provider_id,omitempty"`
	Key        string  `gorm:"column:param_key;size:100;not null" json:"key"`
	Value      string  `gorm:"column:param_value;type:text" json:"value"`
}

func (LLMModelParam) TableName() string { return "llm_model_params" }

// ============================================================
// Capability
// ============================================================

// Capability is a tag attached to models, e.g. TEXT, TEXT_TO_IMAGE.
type Capability struct {
	CapabilityID   uint   `gorm:"primaryKey;column:capability_id" json:"capability_id"`
	CapabilityName string `gorm:"column:capability_name;size:100;not null;uniqueIndex" json:"capability_name"`
	Description    string `gorm:"type:text" json:"description,omitempty"`
}

func (Capability) TableName() string { return "capabilities" }

// Known capability names referenced by the HTTP facade's capability gates.
const (
	CapabilityText                         = "TEXT"
	CapabilityMultimodalImageUnderstanding = "MULTIMODAL_IMAGE_UNDERSTANDING"
	CapabilityTextToImage                  = "TEXT_TO_IMAGE"
	CapabilityImageToImage                 = "IMAGE_TO_IMAGE"
)

// LLMModelCapability is the Model<->Capability many-to-many join.
type LLMModelCapability struct {
	ModelID      uint `gorm:"column:model_id;primaryKey" json:"model_id"`
	CapabilityID uint `gorm:"column:capability_id;primaryKey" json:"capability_id"`
}

func (LLMModelCapability) TableName() string { return "llm_model_capabilities" }

// ============================================================
// ResolvedConfig (transient, Registry-owned)
// ============================================================

// ResolvedProviderConfig is one usable (provider, api key) pairing for a
// resolved model, flattened for the Strategy Engine and Adapter.
type ResolvedProviderConfig struct {
	LinkID          uint
	ProviderID      uint
	Name            string
	ProviderType    ProviderType
	BaseURL         string
	APIKey          string
	APIKeyID        uint
	Weight          int
	Priority        int
	IsPreferred     bool
	Strategy        string
	CostPer1kTokens float64
	Params          map[string]string
}

// ResolvedConfig is what Registry.Resolve returns: everything the Router
// and Strategy Engine need for one model name, already joined and
// version-stamped against the Model's UpdatedAt.
type ResolvedConfig struct {
	ModelName string
	LLMType   LLMType
	Providers []ResolvedProviderConfig
	UpdatedAt time.Time
}

// ============================================================
// Audit Log
// ============================================================

// AuditLog records an admin-surface mutation for traceability.
type AuditLog struct {
	ID           uint                   `gorm:"primaryKey" json:"id"`
	Actor        string                 `gorm:"size:200" json:"actor"`
	Action       string                 `gorm:"size:100" json:"action"`
	ResourceType string                 `gorm:"size:100" json:"resource_type"`
	ResourceID   string                 `gorm:"size:100" json:"resource_id"`
	Details      map[string]interface{} `gorm:"-" json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }
