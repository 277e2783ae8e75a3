package llm

import (
	"fmt"

	"gorm.io/gorm"
)

// InitDatabase runs the schema migration for the gateway's routing tables.
// Supports PostgreSQL, MySQL, and SQLite via the configured gorm.Dialector.
func InitDatabase(db *gorm.DB) error {
	err := db.AutoMigrate(
		&LLMModel{},
		&LLMProvider{},
		&LLMProviderAPIKey{},
		&LLMModelProvider{},
		&LLMModelParam{},
		&Capability{},
		&LLMModelCapability{},
		&AuditLog{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// SeedExampleData inserts a minimal dataset covering
// every provider_type the gateway ships an adapter for. Intended for
// development environments only; providers, models and links are created
// enabled, while the placeholder API keys are created disabled so a fresh
// install never tries to dial a fake key.
func SeedExampleData(db *gorm.DB) error {
	var count int64
	db.Model(&LLMProvider{}).Count(&count)
	if count > 0 {
		return nil
	}

	providers := []LLMProvider{
		{Name: "OpenAI", ProviderType: ProviderTypeOpenAI, OfficialEndpoint: "https://api.openai.com", IsEnabled: true},
		{Name: "Anthropic", ProviderType: ProviderTypeAnthropic, OfficialEndpoint: "https://api.anthropic.com", IsEnabled: true},
		{Name: "Google Gemini", ProviderType: ProviderTypeGoogle, OfficialEndpoint: "https://generativelanguage.googleapis.com", IsEnabled: true},
		{Name: "Volcengine Doubao", ProviderType: ProviderTypeVolcengine, OfficialEndpoint: "https://ark.cn-beijing.volces.com", IsEnabled: true},
	}
	for i := range providers {
		if err := db.Create(&providers[i]).Error; err != nil {
			return fmt.Errorf("seed provider %s: %w", providers[i].Name, err)
		}
	}

	capabilities := []Capability{
		{CapabilityName: CapabilityText, Description: "plain text chat completion"},
		{CapabilityName: CapabilityMultimodalImageUnderstanding, Description: "accepts image content blocks in requests"},
		{CapabilityName: CapabilityTextToImage, Description: "image generation from a text prompt"},
		{CapabilityName: CapabilityImageToImage, Description: "image-to-image editing"},
	}
	for i := range capabilities {
		if err := db.Create(&capabilities[i]).Error; err != nil {
			return fmt.Errorf("seed capability %s: %w", capabilities[i].CapabilityName, err)
		}
	}

	models := []LLMModel{
		{Name: "gpt-4o", LLMType: LLMTypeChat, DisplayName: "GPT-4o", IsEnabled: true},
		{Name: "claude-3-5-sonnet", LLMType: LLMTypeChat, DisplayName: "Claude 3.5 Sonnet", IsEnabled: true},
		{Name: "gemini-1.5-pro", LLMType: LLMTypeChat, DisplayName: "Gemini 1.5 Pro", IsEnabled: true},
		{Name: "doubao-1.5-pro", LLMType: LLMTypeChat, DisplayName: "Doubao 1.5 Pro", IsEnabled: true},
	}
	for i := range models {
		if err := db.Create(&models[i]).Error; err != nil {
			return fmt.Errorf("seed model %s: %w", models[i].Name, err)
		}
	}

	links := []LLMModelProvider{
		{ModelID: models[0].ID, ProviderID: providers[0].ID, Weight: 100, Priority: 100, Strategy: "auto", CostPer1kTokens: 0.01, IsEnabled: true},
		{ModelID: models[1].ID, ProviderID: providers[1].ID, Weight: 100, Priority: 100, Strategy: "auto", CostPer1kTokens: 0.015, IsEnabled: true},
		{ModelID: models[2].ID, ProviderID: providers[2].ID, Weight: 100, Priority: 100, Strategy: "auto", CostPer1kTokens: 0.005, IsEnabled: true},
		{ModelID: models[3].ID, ProviderID: providers[3].ID, Weight: 100, Priority: 100, Strategy: "auto", CostPer1kTokens: 0.00028, IsEnabled: true},
	}
	for i := range links {
		if err := db.Create(&links[i]).Error; err != nil {
			return fmt.Errorf("seed link model=%d provider=%d: %w", links[i].ModelID, links[i].ProviderID, err)
		}
	}

	apiKeys := []LLMProviderAPIKey{
		{ProviderID: providers[0].ID, Name: "primary", Secret: "sk-placeholder-openai", Weight: 100, IsEnabled: false},
		{ProviderID: providers[1].ID, Name: "primary", Secret: "sk-ant-placeholder", Weight: 100, IsEnabled: false},
		{ProviderID: providers[2].ID, Name: "primary", Secret: "AIza-placeholder", Weight: 100, IsEnabled: false},
		{ProviderID: providers[3].ID, Name: "primary", Secret: "ark-placeholder", Weight: 100, IsEnabled: false},
	}
	for i := range apiKeys {
		if err := db.Create(&apiKeys[i]).Error; err != nil {
			return fmt.Errorf("seed api key for provider %d: %w", apiKeys[i].ProviderID, err)
		}
	}

	return nil
}
