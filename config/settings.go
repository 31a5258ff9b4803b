// Package config provides application settings loaded from environment variables
// and an optional YAML file.
//
// Settings are created via New() or Load() which handle:
// - Default value application
// - YAML file overlay (environment wins over file)
// - Environment variable parsing with validation
// - Provider-specific configuration lookup

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds all application configuration.
type Settings struct {
	LLM     LLMConfig     `yaml:"llm"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Turn    TurnConfig    `yaml:"turn"`
	Tools   ToolsConfig   `yaml:"tools"`
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	MaxTokens       uint32  `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
	IncludeThoughts bool    `yaml:"include_thoughts"`
}

// ServerConfig holds the HTTP surface configuration.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	RequestMaxBytes int64  `yaml:"request_max_bytes"`
	// Tokens maps bearer tokens to user ids.
	Tokens map[string]string `yaml:"tokens"`
}

// StorageConfig holds the transcript database location.
type StorageConfig struct {
	// Path is the SQLite file. ":memory:" keeps everything in process.
	Path string `yaml:"path"`
}

// TurnConfig bounds a single chat turn.
type TurnConfig struct {
	DailyLimit         int           `yaml:"daily_limit"`
	MaxRoundTrips      int           `yaml:"max_round_trips"`
	GatewayTimeout     time.Duration `yaml:"gateway_timeout"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	ToolRetries        uint32        `yaml:"tool_retries"`
	AttachmentMaxBytes int64         `yaml:"attachment_max_bytes"`
	SystemPrompt       string        `yaml:"system_prompt"`
}

// ToolsConfig configures the bundled integrations.
type ToolsConfig struct {
	OpenMeteoURL   string   `yaml:"open_meteo_url"`
	ImageModel     string   `yaml:"image_model"`
	MarketDataURL  string   `yaml:"market_data_url"`
	MarketDataKey  string   `yaml:"market_data_key"`
	AllowedDomains []string `yaml:"allowed_domains"`
	MCPConfig      string   `yaml:"mcp_config"`
}

// LoggingConfig selects the zap configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// DefaultProvider is used when neither the caller, the file nor LLM_PROVIDER names one.
const DefaultProvider = "gemini"

// Defaults returns the settings used before any file or environment overlay.
func Defaults() Settings {
	return Settings{
		LLM: LLMConfig{
			Provider:        DefaultProvider,
			MaxTokens:       4096,
			Temperature:     0.7,
			IncludeThoughts: true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			RequestMaxBytes: 1 << 20,
			Tokens:          map[string]string{},
		},
		Storage: StorageConfig{
			Path: ".parley/parley.db",
		},
		Turn: TurnConfig{
			DailyLimit:         50,
			MaxRoundTrips:      10,
			GatewayTimeout:     120 * time.Second,
			ToolTimeout:        30 * time.Second,
			ToolRetries:        1,
			AttachmentMaxBytes: 10 << 20,
		},
		Tools: ToolsConfig{
			OpenMeteoURL: "https://api.open-meteo.com",
			ImageModel:   "dall-e-3",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// New creates settings for the specified provider, loading values from environment variables.
// An empty provider falls back to LLM_PROVIDER, then DefaultProvider.
// Returns an error if the provider is unknown or environment variables contain invalid values.
func New(provider string) (Settings, error) {
	return Load("", provider)
}

// Load creates settings from defaults, the YAML file at path (if non-empty) and the
// environment, in that order. A non-empty provider overrides all three.
func Load(path, provider string) (Settings, error) {
	settings := Defaults()

	if path != "" {
		if err := loadFile(path, &settings); err != nil {
			return Settings{}, err
		}
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if provider != "" {
		if normalizeProvider(provider) != normalizeProvider(settings.LLM.Provider) {
			// A different provider does not inherit the file's model or key
			settings.LLM.Model = ""
			settings.LLM.APIKey = ""
		}
		settings.LLM.Provider = provider
	}
	settings.LLM.Provider = normalizeProvider(settings.LLM.Provider)

	info, err := getProviderInfo(settings.LLM.Provider)
	if err != nil {
		return Settings{}, err
	}

	// Get model from environment, then file, then default
	if val := os.Getenv(info.modelEnv); val != "" {
		settings.LLM.Model = val
	} else if settings.LLM.Model == "" {
		settings.LLM.Model = info.defaultModel
	}
	if val := os.Getenv(info.apiKeyEnv); val != "" {
		settings.LLM.APIKey = val
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// Validate rejects settings no component can run with.
func (s Settings) Validate() error {
	switch {
	case s.Server.Addr == "":
		return fmt.Errorf("server address must not be empty")
	case s.Server.RequestMaxBytes <= 0:
		return fmt.Errorf("request size limit must be positive, got %d", s.Server.RequestMaxBytes)
	case s.Turn.MaxRoundTrips <= 0:
		return fmt.Errorf("max round trips must be positive, got %d", s.Turn.MaxRoundTrips)
	case s.Turn.GatewayTimeout < 0 || s.Turn.ToolTimeout < 0:
		return fmt.Errorf("timeouts must not be negative")
	case s.Turn.AttachmentMaxBytes <= 0:
		return fmt.Errorf("attachment size limit must be positive, got %d", s.Turn.AttachmentMaxBytes)
	case s.LLM.Temperature < 0 || s.LLM.Temperature > 2:
		return fmt.Errorf("temperature must be within [0, 2], got %v", s.LLM.Temperature)
	}
	switch s.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format: %q", s.Logging.Format)
	}
	return nil
}

func applyEnv(s *Settings) error {
	var err error

	if val := os.Getenv("LLM_PROVIDER"); val != "" {
		s.LLM.Provider = val
	}
	if s.LLM.MaxTokens, err = getEnvUint32("LLM_MAX_TOKENS", s.LLM.MaxTokens); err != nil {
		return err
	}
	if s.LLM.Temperature, err = getEnvFloat64("LLM_TEMPERATURE", s.LLM.Temperature); err != nil {
		return err
	}
	if s.LLM.IncludeThoughts, err = getEnvBool("LLM_INCLUDE_THOUGHTS", s.LLM.IncludeThoughts); err != nil {
		return err
	}

	s.Server.Addr = getEnvString("PARLEY_ADDR", s.Server.Addr)
	if s.Server.RequestMaxBytes, err = getEnvInt64("PARLEY_REQUEST_MAX_BYTES", s.Server.RequestMaxBytes); err != nil {
		return err
	}
	if val := os.Getenv("PARLEY_TOKENS"); val != "" {
		tokens, err := ParseTokens(val)
		if err != nil {
			return fmt.Errorf("invalid value for PARLEY_TOKENS: %w", err)
		}
		s.Server.Tokens = tokens
	}

	s.Storage.Path = getEnvString("PARLEY_DB", s.Storage.Path)

	if s.Turn.DailyLimit, err = getEnvInt("PARLEY_DAILY_LIMIT", s.Turn.DailyLimit); err != nil {
		return err
	}
	if s.Turn.MaxRoundTrips, err = getEnvInt("PARLEY_MAX_ROUND_TRIPS", s.Turn.MaxRoundTrips); err != nil {
		return err
	}
	if s.Turn.GatewayTimeout, err = getEnvDuration("PARLEY_GATEWAY_TIMEOUT", s.Turn.GatewayTimeout); err != nil {
		return err
	}
	if s.Turn.ToolTimeout, err = getEnvDuration("PARLEY_TOOL_TIMEOUT", s.Turn.ToolTimeout); err != nil {
		return err
	}
	if s.Turn.ToolRetries, err = getEnvUint32("PARLEY_TOOL_RETRIES", s.Turn.ToolRetries); err != nil {
		return err
	}
	if s.Turn.AttachmentMaxBytes, err = getEnvInt64("PARLEY_ATTACHMENT_MAX_BYTES", s.Turn.AttachmentMaxBytes); err != nil {
		return err
	}
	s.Turn.SystemPrompt = getEnvString("PARLEY_SYSTEM_PROMPT", s.Turn.SystemPrompt)

	s.Tools.OpenMeteoURL = getEnvString("OPEN_METEO_BASE_URL", s.Tools.OpenMeteoURL)
	s.Tools.ImageModel = getEnvString("IMAGE_MODEL", s.Tools.ImageModel)
	s.Tools.MarketDataURL = getEnvString("MARKET_DATA_BASE_URL", s.Tools.MarketDataURL)
	s.Tools.MarketDataKey = getEnvString("MARKET_DATA_API_KEY", s.Tools.MarketDataKey)
	s.Tools.MCPConfig = getEnvString("PARLEY_MCP_CONFIG", s.Tools.MCPConfig)
	if val := os.Getenv("PARLEY_ALLOWED_DOMAINS"); val != "" {
		s.Tools.AllowedDomains = splitList(val)
	}

	s.Logging.Level = getEnvString("PARLEY_LOG_LEVEL", s.Logging.Level)
	s.Logging.Format = getEnvString("PARLEY_LOG_FORMAT", s.Logging.Format)
	return nil
}

// ParseTokens parses a "token=user,token=user" table.
func ParseTokens(table string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range splitList(table) {
		token, user, ok := strings.Cut(pair, "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("malformed token entry %q", pair)
		}
		tokens[token] = user
	}
	return tokens, nil
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// SupportedProviders returns the list of supported provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	return result
}

// Environment variable helpers with proper error handling

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
