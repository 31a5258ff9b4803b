// Provider factory.
//
// Usage:
//
//	providerType, err := llm.ParseProviderType(settings.LLM.Provider)
//	provider, err := providerType.
//	    Model(settings.LLM.Model).
//	    MaxTokens(4096).
//	    IncludeThoughts(true).
//	    APIKey(key)
//
// Information Hiding:
// - Vendor constructors and their argument order hidden
// - Default model and sampling values hidden

package llm

import (
	"fmt"
	"strings"
)

// ProviderType identifies a model vendor.
type ProviderType int

const (
	ProviderGemini ProviderType = iota
	ProviderOpenAI
	ProviderAnthropic
	ProviderDeepSeek
)

const (
	defaultMaxTokens   uint32  = 4096
	defaultTemperature float32 = 0.7
)

type providerInfo struct {
	name         string
	aliases      []string
	envVar       string
	defaultModel string
	construct    func(key, model string, maxTokens uint32, temperature float32, thoughts bool) Provider
}

var providerInfos = map[ProviderType]providerInfo{
	ProviderGemini: {
		name: "gemini", aliases: []string{"google"}, envVar: "GEMINI_API_KEY", defaultModel: ModelGeminiFlash25,
		construct: func(key, model string, maxTokens uint32, temperature float32, thoughts bool) Provider {
			return NewGeminiProvider(key, model, maxTokens, temperature, thoughts)
		},
	},
	ProviderOpenAI: {
		name: "openai", aliases: []string{"gpt"}, envVar: "OPENAI_API_KEY", defaultModel: ModelOpenAIGPT4o,
		construct: func(key, model string, maxTokens uint32, temperature float32, _ bool) Provider {
			return NewOpenAIProvider(key, model, maxTokens, temperature)
		},
	},
	ProviderAnthropic: {
		name: "anthropic", aliases: []string{"claude"}, envVar: "ANTHROPIC_API_KEY", defaultModel: ModelAnthropicSonnet4,
		construct: func(key, model string, maxTokens uint32, temperature float32, thoughts bool) Provider {
			return NewAnthropicProvider(key, model, maxTokens, temperature, thoughts)
		},
	},
	ProviderDeepSeek: {
		name: "deepseek", envVar: "DEEPSEEK_API_KEY", defaultModel: ModelDeepSeekChat,
		construct: func(key, model string, maxTokens uint32, temperature float32, _ bool) Provider {
			return NewDeepSeekProvider(key, model, maxTokens, temperature)
		},
	},
}

// Default model identifiers.
const (
	ModelGeminiFlash25    = "gemini-2.5-flash"
	ModelOpenAIGPT4o      = "gpt-4o"
	ModelAnthropicSonnet4 = "claude-sonnet-4-20250514"
	ModelDeepSeekChat     = "deepseek-chat"
)

// String returns the canonical provider name.
func (p ProviderType) String() string {
	if info, ok := providerInfos[p]; ok {
		return info.name
	}
	return "unknown"
}

// EnvVar returns the environment variable holding this provider's API key.
func (p ProviderType) EnvVar() string {
	return providerInfos[p].envVar
}

// DefaultModel returns the model used when none is configured.
func (p ProviderType) DefaultModel() string {
	return providerInfos[p].defaultModel
}

// ParseProviderType parses a provider name or alias, case-insensitively.
func ParseProviderType(s string) (ProviderType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, info := range providerInfos {
		if s == info.name {
			return p, nil
		}
		for _, alias := range info.aliases {
			if s == alias {
				return p, nil
			}
		}
	}
	return 0, fmt.Errorf("unknown provider: %s", s)
}

// Model starts configuring this provider with a specific model.
func (p ProviderType) Model(model string) *ProviderBuilder {
	return NewProviderBuilder(p).Model(model)
}

// APIKey builds the provider with defaults for everything but the key.
func (p ProviderType) APIKey(key string) (Provider, error) {
	return NewProviderBuilder(p).APIKey(key)
}

// ProviderBuilder configures a provider.
type ProviderBuilder struct {
	providerType ProviderType
	model        string
	maxTokens    uint32
	temperature  *float32
	thoughts     bool
}

// NewProviderBuilder creates a builder for providerType.
func NewProviderBuilder(providerType ProviderType) *ProviderBuilder {
	return &ProviderBuilder{providerType: providerType}
}

// Model sets the model; empty keeps the provider default.
func (b *ProviderBuilder) Model(model string) *ProviderBuilder {
	b.model = model
	return b
}

// MaxTokens caps the response length; zero keeps the default.
func (b *ProviderBuilder) MaxTokens(tokens uint32) *ProviderBuilder {
	b.maxTokens = tokens
	return b
}

func (b *ProviderBuilder) Temperature(temp float32) *ProviderBuilder {
	b.temperature = &temp
	return b
}

// IncludeThoughts asks the provider to stream its reasoning as thought fragments.
// Providers without separate reasoning output ignore it.
func (b *ProviderBuilder) IncludeThoughts(include bool) *ProviderBuilder {
	b.thoughts = include
	return b
}

// APIKey builds the provider.
func (b *ProviderBuilder) APIKey(key string) (Provider, error) {
	info, ok := providerInfos[b.providerType]
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %d", b.providerType)
	}
	if key == "" {
		return nil, fmt.Errorf("%s: %s not set", info.name, info.envVar)
	}

	model := b.model
	if model == "" {
		model = info.defaultModel
	}
	maxTokens := b.maxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := defaultTemperature
	if b.temperature != nil {
		temperature = *b.temperature
	}
	return info.construct(key, model, maxTokens, temperature, b.thoughts), nil
}
