// Integration Catalog.
//
// Information Hiding:
// - Which tools belong to which integration hidden
// - Backend client construction hidden
// - Per-user credential injection hidden

package tools

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/richinex/parley/model"
)

// Integration names.
const (
	IntegrationWeather = "weather"
	IntegrationImages  = "images"
	IntegrationMarkets = "markets"
	IntegrationWeb     = "web"
)

// Factory builds the tools of one integration for a user's grant.
type Factory func(grant model.Grant) ([]Tool, error)

type integration struct {
	factory Factory
	always  bool
}

// Catalog knows every integration and builds per-request registries.
type Catalog struct {
	mu           sync.RWMutex
	integrations map[string]integration
	executor     *Executor
	logger       *zap.Logger
}

// NewCatalog creates an empty catalog whose registries run tools through executor.
func NewCatalog(executor *Executor, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		integrations: make(map[string]integration),
		executor:     executor,
		logger:       logger,
	}
}

// Add registers an integration. Always-on integrations are built for every user.
func (c *Catalog) Add(name string, always bool, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integrations[name] = integration{factory: factory, always: always}
}

// Has reports whether the catalog knows an integration.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.integrations[name]
	return ok
}

// AlwaysOn reports whether an integration is built without a grant.
func (c *Catalog) AlwaysOn(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.integrations[name].always
}

// Integrations returns the integration names in sorted order.
func (c *Catalog) Integrations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.integrations))
	for name := range c.integrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the registry for a request from the user's grants.
// Grants for unknown integrations are ignored; an integration whose factory
// fails is skipped and logged so one broken backend does not block the turn.
func (c *Catalog) Build(grants []model.Grant) (*Registry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	selected := make(map[string]model.Grant)
	for name, in := range c.integrations {
		if in.always {
			selected[name] = model.Grant{Integration: name}
		}
	}
	for _, g := range grants {
		if _, ok := c.integrations[g.Integration]; ok {
			selected[g.Integration] = g
		}
	}

	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)

	registry := NewRegistryWithExecutor(c.executor)
	for _, name := range names {
		built, err := c.integrations[name].factory(selected[name])
		if err != nil {
			c.logger.Warn("integration unavailable",
				zap.String("integration", name),
				zap.Error(err))
			continue
		}
		for _, tool := range built {
			if err := registry.Register(tool); err != nil {
				return nil, fmt.Errorf("integration %s: %w", name, err)
			}
		}
	}
	return registry, nil
}

// Describe returns the metadata of the tools an integration provides
// without a user credential.
func (c *Catalog) Describe(name string) ([]ToolMetadata, error) {
	c.mu.RLock()
	in, ok := c.integrations[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown integration: %q", name)
	}

	built, err := in.factory(model.Grant{Integration: name})
	if err != nil {
		return nil, err
	}
	metadata := make([]ToolMetadata, 0, len(built))
	for _, tool := range built {
		metadata = append(metadata, tool.Metadata())
	}
	return metadata, nil
}

// BackendConfig configures the bundled integrations.
type BackendConfig struct {
	HTTPClient     *http.Client
	OpenMeteoURL   string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	ImageModel     string
	MarketDataURL  string
	MarketDataKey  string
	AllowedDomains []string
}

// AddBundled registers the bundled integrations. A grant credential
// overrides the configured key of its integration.
func (c *Catalog) AddBundled(cfg BackendConfig) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultToolTimeout}
	}

	c.Add(IntegrationWeather, true, func(model.Grant) ([]Tool, error) {
		return []Tool{NewWeatherTool(client, cfg.OpenMeteoURL)}, nil
	})

	c.Add(IntegrationImages, false, func(g model.Grant) ([]Tool, error) {
		key := firstNonEmpty(g.Credential, cfg.OpenAIAPIKey)
		if key == "" {
			return nil, fmt.Errorf("no OpenAI API key for image generation")
		}
		return []Tool{NewOpenAIImageTool(key, cfg.OpenAIBaseURL, cfg.ImageModel)}, nil
	})

	c.Add(IntegrationMarkets, false, func(g model.Grant) ([]Tool, error) {
		if cfg.MarketDataURL == "" {
			return nil, fmt.Errorf("market data URL not configured")
		}
		market := NewMarketClient(client, cfg.MarketDataURL, firstNonEmpty(g.Credential, cfg.MarketDataKey))
		return []Tool{NewStockQuoteTool(market), NewPriceHistoryTool(market)}, nil
	})

	c.Add(IntegrationWeb, false, func(model.Grant) ([]Tool, error) {
		return []Tool{NewWebPageTool(client).WithAllowedDomains(cfg.AllowedDomains)}, nil
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
