package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/SSWConsulting/yakshaver/internal/config"
)

type providerName string

const (
	providerOpenRouter providerName = "openrouter"
	providerClaude     providerName = "claude"
	providerOpenAI     providerName = "openai"
	providerDeepSeek   providerName = "deepseek"
	providerOllama     providerName = "ollama"

	openRouterBaseURL = "https://openrouter.ai/api/v1"
	deepSeekBaseURL   = "https://api.deepseek.com/v1"
)

// ErrNoProvider is returned when no provider has credentials configured.
var ErrNoProvider = errors.New("no provider configured: set api_key for at least one provider")

// fallbackOrder is used when the model name carries no usable prefix.
var fallbackOrder = []providerName{providerOpenRouter, providerClaude, providerOpenAI, providerDeepSeek, providerOllama}

// NewChatModel creates a tool-calling chat model based on configuration.
func NewChatModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, error) {
	name, pcfg, err := resolveProvider(cfg)
	if err != nil {
		return nil, err
	}
	d := cfg.Agents.Defaults

	switch name {
	case providerOpenRouter:
		return newOpenAICompatible(ctx, pcfg.APIKey, openRouterBaseURL, d.Model, d)
	case providerClaude:
		return newClaudeModel(ctx, pcfg, d)
	case providerOpenAI:
		return newOpenAICompatible(ctx, pcfg.APIKey, pcfg.BaseURL, modelID(d.Model), d)
	case providerDeepSeek:
		baseURL := pcfg.BaseURL
		if baseURL == "" {
			baseURL = deepSeekBaseURL
		}
		return newOpenAICompatible(ctx, pcfg.APIKey, baseURL, modelID(d.Model), d)
	case providerOllama:
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: pcfg.BaseURL,
			Model:   modelID(d.Model),
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

// resolveProvider prefers the provider named by the model prefix and
// otherwise takes the first configured one.
func resolveProvider(cfg *config.Config) (providerName, config.ProviderConfig, error) {
	if name := providerFromModel(cfg.Agents.Defaults.Model); name != "" {
		pcfg := providerConfig(cfg.Providers, name)
		if name == providerOllama && pcfg.BaseURL == "" {
			return "", pcfg, fmt.Errorf("providers.ollama.base_url is required for model %q", cfg.Agents.Defaults.Model)
		}
		if configured(name, pcfg) {
			return name, pcfg, nil
		}
	}

	for _, name := range fallbackOrder {
		pcfg := providerConfig(cfg.Providers, name)
		if configured(name, pcfg) {
			return name, pcfg, nil
		}
	}
	return "", config.ProviderConfig{}, ErrNoProvider
}

func providerFromModel(modelName string) providerName {
	prefix, _, ok := strings.Cut(strings.TrimSpace(modelName), "/")
	if !ok {
		return ""
	}
	switch strings.ToLower(prefix) {
	case "openrouter":
		return providerOpenRouter
	case "anthropic", "claude":
		return providerClaude
	case "openai":
		return providerOpenAI
	case "deepseek":
		return providerDeepSeek
	case "ollama":
		return providerOllama
	default:
		return ""
	}
}

func providerConfig(p config.ProvidersConfig, name providerName) config.ProviderConfig {
	switch name {
	case providerOpenRouter:
		return p.OpenRouter
	case providerClaude:
		return p.Claude
	case providerOpenAI:
		return p.OpenAI
	case providerDeepSeek:
		return p.DeepSeek
	case providerOllama:
		return p.Ollama
	default:
		return config.ProviderConfig{}
	}
}

func configured(name providerName, p config.ProviderConfig) bool {
	if name == providerOllama {
		return strings.TrimSpace(p.BaseURL) != ""
	}
	return strings.TrimSpace(p.APIKey) != ""
}

// modelID strips the provider prefix for direct provider APIs.
func modelID(modelName string) string {
	if _, rest, ok := strings.Cut(modelName, "/"); ok && providerFromModel(modelName) != "" {
		return rest
	}
	return modelName
}

func newOpenAICompatible(ctx context.Context, apiKey, baseURL, modelName string, d config.AgentDefaults) (model.ToolCallingChatModel, error) {
	cfg := &openai.ChatModelConfig{
		Model:       modelName,
		APIKey:      apiKey,
		Temperature: toFloat32Ptr(d.Temperature),
		MaxTokens:   toIntPtr(d.MaxTokens),
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewChatModel(ctx, cfg)
}

func newClaudeModel(ctx context.Context, p config.ProviderConfig, d config.AgentDefaults) (model.ToolCallingChatModel, error) {
	cfg := &claude.Config{
		APIKey:      p.APIKey,
		Model:       modelID(d.Model),
		MaxTokens:   d.MaxTokens,
		Temperature: toFloat32Ptr(d.Temperature),
	}
	if p.BaseURL != "" {
		baseURL := p.BaseURL
		cfg.BaseURL = &baseURL
	}
	return claude.NewChatModel(ctx, cfg)
}

func toFloat32Ptr(f float64) *float32 {
	v := float32(f)
	return &v
}

func toIntPtr(i int) *int {
	return &i
}
