// Command execution for CLI commands.
//
// Information Hiding:
// - Service wiring (storage, gateway, catalog, gate) hidden
// - MCP server lifecycle hidden
// - Output formatting hidden

package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/richinex/parley/agent"
	"github.com/richinex/parley/config"
	"github.com/richinex/parley/internal/logging"
	"github.com/richinex/parley/llm"
	"github.com/richinex/parley/mcp"
	"github.com/richinex/parley/quota"
	"github.com/richinex/parley/server"
	"github.com/richinex/parley/storage"
	"github.com/richinex/parley/tools"
)

// Options holds CLI execution options.
type Options struct {
	ConfigPath string
	Provider   string
	Verbose    bool
}

// LoadSettings resolves settings for opts. Verbose forces debug console logging.
func LoadSettings(opts Options) (config.Settings, error) {
	settings, err := config.Load(opts.ConfigPath, opts.Provider)
	if err != nil {
		return config.Settings{}, err
	}
	if opts.Verbose {
		settings.Logging.Level = "debug"
		settings.Logging.Format = "console"
	}
	return settings, nil
}

// Serve runs the HTTP service until ctx is done.
func Serve(ctx context.Context, opts Options) error {
	settings, err := LoadSettings(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(settings.Logging.Level, settings.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if len(settings.Server.Tokens) == 0 {
		return fmt.Errorf("no API tokens configured: set PARLEY_TOKENS or server.tokens")
	}

	provider, err := createProvider(settings)
	if err != nil {
		return err
	}

	store, err := openStore(settings.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog, closeTools, err := buildCatalog(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer closeTools()

	orchestrator := agent.NewBuilder(provider).
		MaxRoundTrips(settings.Turn.MaxRoundTrips).
		GatewayTimeout(settings.Turn.GatewayTimeout).
		SystemPrompt(systemPrompt(settings)).
		Logger(logger.Named("agent")).
		Build()

	srv, err := server.New(server.Options{
		Orchestrator:    orchestrator,
		Assembler:       agent.NewAssembler(&http.Client{Timeout: settings.Turn.ToolTimeout}, settings.Turn.AttachmentMaxBytes, systemPrompt(settings)),
		Catalog:         catalog,
		Store:           store,
		Gate:            quota.NewGate(store, settings.Turn.DailyLimit),
		Auth:            server.StaticTokens(settings.Server.Tokens),
		MaxRequestBytes: settings.Server.RequestMaxBytes,
		Logger:          logger.Named("http"),
	})
	if err != nil {
		return err
	}

	logger.Info("starting parley",
		zap.String("provider", provider.Name()),
		zap.String("model", provider.Model()),
		zap.String("db", settings.Storage.Path),
		zap.Int("daily_limit", settings.Turn.DailyLimit),
		zap.Strings("integrations", catalog.Integrations()))
	return srv.ListenAndServe(ctx, settings.Server.Addr)
}

// ListTools prints every integration and its tools.
func ListTools(ctx context.Context, opts Options, verbose bool, out io.Writer) error {
	settings, err := LoadSettings(opts)
	if err != nil {
		return err
	}

	catalog, closeTools, err := buildCatalog(ctx, settings, zap.NewNop())
	if err != nil {
		return err
	}
	defer closeTools()

	fmt.Fprintln(out, titleStyle.Render("Integrations:"))
	fmt.Fprintln(out)

	for _, name := range catalog.Integrations() {
		header := name
		if catalog.AlwaysOn(name) {
			header += " (always on)"
		}
		fmt.Fprintf(out, "  %s\n", toolStyle.Render(header))

		metadata, err := catalog.Describe(name)
		if err != nil {
			fmt.Fprintf(out, "    %s\n\n", dimStyle.Render("unavailable: "+err.Error()))
			continue
		}
		for _, meta := range metadata {
			fmt.Fprintf(out, "    %s\n", meta.Name)
			fmt.Fprintf(out, "      %s\n", meta.Description)

			if verbose && len(meta.Parameters) > 0 {
				fmt.Fprintln(out, "      Parameters:")
				for _, param := range meta.Parameters {
					req := ""
					if param.Required {
						req = "*"
					}
					fmt.Fprintf(out, "        %s%s: %s - %s\n", param.Name, req, param.ParamType, param.Description)
				}
			}
		}
		fmt.Fprintln(out)
	}
	return nil
}

// PrintConfig writes the effective settings as YAML with secrets redacted.
func PrintConfig(opts Options, out io.Writer) error {
	settings, err := LoadSettings(opts)
	if err != nil {
		return err
	}
	data, err := settings.YAML()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// Helper functions

func createProvider(settings config.Settings) (llm.Provider, error) {
	providerType, err := llm.ParseProviderType(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}
	if settings.LLM.APIKey == "" {
		return nil, fmt.Errorf("%s environment variable not set", providerType.EnvVar())
	}

	return providerType.
		Model(settings.LLM.Model).
		MaxTokens(settings.LLM.MaxTokens).
		Temperature(float32(settings.LLM.Temperature)).
		IncludeThoughts(settings.LLM.IncludeThoughts).
		APIKey(settings.LLM.APIKey)
}

func openStore(path string) (storage.Store, error) {
	if path == ":memory:" {
		return storage.NewSqliteInMemory()
	}
	return storage.OpenSqlite(path)
}

// buildCatalog registers the bundled integrations and, when configured, the
// tools of every reachable MCP server. The returned func stops MCP servers.
func buildCatalog(ctx context.Context, settings config.Settings, logger *zap.Logger) (*tools.Catalog, func(), error) {
	executor := tools.NewExecutor(tools.ToolConfig{
		Timeout:     settings.Turn.ToolTimeout,
		MaxAttempts: settings.Turn.ToolRetries + 1,
	}, logger.Named("tools"))

	catalog := tools.NewCatalog(executor, logger)

	// Image generation always uses OpenAI, whatever the chat provider is
	openAIKey, _ := config.APIKeyFor("openai")
	catalog.AddBundled(tools.BackendConfig{
		HTTPClient:     &http.Client{Timeout: settings.Turn.ToolTimeout},
		OpenMeteoURL:   settings.Tools.OpenMeteoURL,
		OpenAIAPIKey:   openAIKey,
		ImageModel:     settings.Tools.ImageModel,
		MarketDataURL:  settings.Tools.MarketDataURL,
		MarketDataKey:  settings.Tools.MarketDataKey,
		AllowedDomains: settings.Tools.AllowedDomains,
	})

	if settings.Tools.MCPConfig == "" {
		return catalog, func() {}, nil
	}
	mcpConfig, err := mcp.LoadConfig(settings.Tools.MCPConfig)
	if err != nil {
		return nil, nil, err
	}
	manager := mcp.StartAll(ctx, mcpConfig, logger.Named("mcp"))
	manager.Register(catalog)
	return catalog, func() {
		if err := manager.Close(); err != nil {
			logger.Warn("failed to stop mcp servers", zap.Error(err))
		}
	}, nil
}

func systemPrompt(settings config.Settings) string {
	if prompt := strings.TrimSpace(settings.Turn.SystemPrompt); prompt != "" {
		return prompt
	}
	return agent.DefaultSystemPrompt
}
