package config

import (
	"fmt"
	"os"

	"habridge/internal/node"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the hub connection section of flows.yaml. The access
// token is not stored in the file; TokenEnv names the environment
// variable that carries it.
type ServerConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`
}

// NodeConfig is one node definition in flows.yaml
type NodeConfig struct {
	ID           string                 `yaml:"id"`
	Type         string                 `yaml:"type"`
	Name         string                 `yaml:"name"`
	Expose       *bool                  `yaml:"expose_to_home_assistant"`
	EntityID     string                 `yaml:"entity_id"`
	Outputs      int                    `yaml:"outputs"`
	EntityConfig map[string]interface{} `yaml:"entity_config"`
}

// Config represents the flows.yaml structure
type Config struct {
	Server ServerConfig `yaml:"server"`
	Nodes  []NodeConfig `yaml:"nodes"`
}

// Token resolves the hub access token from the configured environment
// variable (HA_TOKEN when unset).
func (c *Config) Token() (string, error) {
	envVar := c.Server.TokenEnv
	if envVar == "" {
		envVar = "HA_TOKEN"
	}

	token := os.Getenv(envVar)
	if token == "" {
		return "", fmt.Errorf("environment variable %s is not set", envVar)
	}
	return token, nil
}

// Loader manages flow configuration loading
type Loader struct {
	path   string
	logger *zap.Logger
	config *Config
}

// NewLoader creates a new configuration loader for the given flows file
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// Load reads and validates the flows file
func (l *Loader) Load() error {
	l.logger.Debug("Loading flow configuration", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read flow configuration: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse flow configuration: %w", err)
	}

	if err := validate(&config); err != nil {
		return fmt.Errorf("invalid flow configuration: %w", err)
	}

	l.config = &config
	l.logger.Info("Flow configuration loaded",
		zap.String("server_id", config.Server.ID),
		zap.Int("nodes", len(config.Nodes)))
	return nil
}

// Get returns the loaded configuration
func (l *Loader) Get() *Config {
	return l.config
}

// validate checks the structural invariants the host relies on: a hub
// URL, a server id, unique node ids and known node types.
func validate(config *Config) error {
	if config.Server.URL == "" {
		return fmt.Errorf("server.url must be set")
	}
	if config.Server.ID == "" {
		return fmt.Errorf("server.id must be set")
	}

	seen := make(map[string]bool, len(config.Nodes))
	for i, n := range config.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d]: id must be set", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("nodes[%d]: duplicate node id %q", i, n.ID)
		}
		seen[n.ID] = true

		if !node.Type(n.Type).Valid() {
			return fmt.Errorf("nodes[%d]: unknown node type %q", i, n.Type)
		}
		if n.Outputs < 0 {
			return fmt.Errorf("nodes[%d]: outputs must not be negative", i)
		}
	}

	return nil
}

// NodeConfigs converts the flow definitions into the node package's
// configuration type, stamping each with the server id.
func (c *Config) NodeConfigs() []node.Config {
	out := make([]node.Config, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		out = append(out, node.Config{
			ID:           n.ID,
			Type:         node.Type(n.Type),
			Name:         n.Name,
			ServerID:     c.Server.ID,
			Expose:       n.Expose,
			EntityID:     n.EntityID,
			Outputs:      n.Outputs,
			EntityConfig: n.EntityConfig,
		})
	}
	return out
}
