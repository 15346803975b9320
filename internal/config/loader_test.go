package config

import (
	"os"
	"path/filepath"
	"testing"

	"habridge/internal/node"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFlows(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validFlows = `server:
  id: "server-1"
  url: "ws://homeassistant.local:8123/api/websocket"
  token_env: "HA_TOKEN"
nodes:
  - id: "node-1"
    type: "switch"
    name: "Kitchen override"
    expose_to_home_assistant: true
    entity_id: "light.kitchen"
    outputs: 2
    entity_config:
      icon: "mdi:lightbulb"
  - id: "node-2"
    type: "trigger-state"
    name: "Fan watcher"
    entity_id: "switch.fan"
    outputs: 1
`

func TestLoaderLoad(t *testing.T) {
	loader := NewLoader(writeFlows(t, validFlows), zap.NewNop())
	require.NoError(t, loader.Load())

	cfg := loader.Get()
	require.NotNil(t, cfg)

	assert.Equal(t, "server-1", cfg.Server.ID)
	assert.Equal(t, "ws://homeassistant.local:8123/api/websocket", cfg.Server.URL)
	require.Len(t, cfg.Nodes, 2)

	first := cfg.Nodes[0]
	assert.Equal(t, "node-1", first.ID)
	assert.Equal(t, "switch", first.Type)
	require.NotNil(t, first.Expose)
	assert.True(t, *first.Expose)
	assert.Equal(t, 2, first.Outputs)
	assert.Equal(t, "mdi:lightbulb", first.EntityConfig["icon"])

	// Absent exposure flag stays nil, distinct from explicit false
	assert.Nil(t, cfg.Nodes[1].Expose)
}

func TestLoaderMissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())

	err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
	assert.Nil(t, loader.Get())
}

func TestLoaderRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			content: "server: [",
			wantErr: "failed to parse",
		},
		{
			name: "missing url",
			content: `server:
  id: "server-1"
`,
			wantErr: "server.url",
		},
		{
			name: "missing server id",
			content: `server:
  url: "ws://hub/api/websocket"
`,
			wantErr: "server.id",
		},
		{
			name: "node without id",
			content: `server:
  id: "server-1"
  url: "ws://hub/api/websocket"
nodes:
  - type: "switch"
`,
			wantErr: "id must be set",
		},
		{
			name: "duplicate node id",
			content: `server:
  id: "server-1"
  url: "ws://hub/api/websocket"
nodes:
  - id: "node-1"
    type: "switch"
  - id: "node-1"
    type: "switch"
`,
			wantErr: "duplicate node id",
		},
		{
			name: "unknown node type",
			content: `server:
  id: "server-1"
  url: "ws://hub/api/websocket"
nodes:
  - id: "node-1"
    type: "thermostat"
`,
			wantErr: "unknown node type",
		},
		{
			name: "negative outputs",
			content: `server:
  id: "server-1"
  url: "ws://hub/api/websocket"
nodes:
  - id: "node-1"
    type: "switch"
    outputs: -1
`,
			wantErr: "outputs",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loader := NewLoader(writeFlows(t, tc.content), zap.NewNop())
			err := loader.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestConfigToken(t *testing.T) {
	cfg := &Config{Server: ServerConfig{TokenEnv: "HABRIDGE_TEST_TOKEN"}}

	t.Setenv("HABRIDGE_TEST_TOKEN", "secret")
	token, err := cfg.Token()
	require.NoError(t, err)
	assert.Equal(t, "secret", token)

	t.Setenv("HABRIDGE_TEST_TOKEN", "")
	_, err = cfg.Token()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HABRIDGE_TEST_TOKEN")
}

func TestConfigTokenDefaultsToHAToken(t *testing.T) {
	cfg := &Config{}

	t.Setenv("HA_TOKEN", "fallback")
	token, err := cfg.Token()
	require.NoError(t, err)
	assert.Equal(t, "fallback", token)
}

func TestNodeConfigs(t *testing.T) {
	loader := NewLoader(writeFlows(t, validFlows), zap.NewNop())
	require.NoError(t, loader.Load())

	configs := loader.Get().NodeConfigs()
	require.Len(t, configs, 2)

	assert.Equal(t, node.TypeSwitch, configs[0].Type)
	assert.Equal(t, "server-1", configs[0].ServerID, "server id is stamped onto every node")
	assert.Equal(t, node.TypeTriggerState, configs[1].Type)
	assert.Equal(t, "server-1", configs[1].ServerID)
}
