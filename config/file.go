package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// loadFile overlays the YAML file at path onto settings. Keys absent from the
// file keep their current values.
func loadFile(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// YAML renders the effective settings with secrets redacted.
func (s Settings) YAML() ([]byte, error) {
	out := s
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = redacted
	}
	if out.Tools.MarketDataKey != "" {
		out.Tools.MarketDataKey = redacted
	}
	out.Server.Tokens = make(map[string]string, len(s.Server.Tokens))
	for _, user := range s.Server.Tokens {
		out.Server.Tokens[redacted+"-"+user] = user
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
