// MCP server configuration.
//
// The file uses the common "mcpServers" layout, as JSON or YAML:
//
//	{
//	  "mcpServers": {
//	    "search": {
//	      "command": "npx",
//	      "args": ["-y", "some-search-server"],
//	      "env": {"SEARCH_API_KEY": "${SEARCH_API_KEY}"}
//	    },
//	    "scratch": {"command": "uvx", "args": ["scratch-server"], "disabled": true}
//	  }
//	}
//
// ${VAR} references in env values are expanded from the process environment
// so credentials stay out of the file.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config lists the MCP servers whose tools form the mcp integration.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers"`
}

// ServerConfig describes how to launch one stdio MCP server.
type ServerConfig struct {
	Command  string            `json:"command" yaml:"command"`
	Args     []string          `json:"args" yaml:"args"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Disabled bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// LoadConfig reads a JSON, or YAML for .yaml and .yml paths, server list.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mcp config: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse mcp config %s: %w", path, err)
	}

	for name, server := range config.MCPServers {
		if server.Command == "" {
			return nil, fmt.Errorf("mcp server %q: command is required", name)
		}
		for k, v := range server.Env {
			server.Env[k] = os.ExpandEnv(v)
		}
	}
	return &config, nil
}

// Names returns the enabled server names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.MCPServers))
	for name, server := range c.MCPServers {
		if server.Disabled {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
