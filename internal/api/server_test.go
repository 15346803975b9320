package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"habridge/internal/ha"
	"habridge/internal/host"
	"habridge/internal/node"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func boolPtr(v bool) *bool { return &v }

func testServer(t *testing.T) (*Server, *ha.MockHub, *host.Host) {
	t.Helper()
	hub := ha.NewMockHub()
	h := host.New(hub, zap.NewNop())
	t.Cleanup(h.Close)

	require.NoError(t, h.AddNode(node.Config{
		ID:       "node-1",
		Type:     node.TypeSwitch,
		Name:     "Kitchen",
		ServerID: "server-1",
		Expose:   boolPtr(true),
		EntityID: "light.kitchen",
		Outputs:  1,
	}))
	require.NoError(t, h.AddNode(node.Config{
		ID:       "node-2",
		Type:     node.TypeTriggerState,
		Name:     "Fan watcher",
		ServerID: "server-1",
		EntityID: "switch.fan",
	}))

	require.Eventually(t, func() bool {
		return h.Node("node-1").Node.RegistrationState() == node.RegRegistered
	}, time.Second, 5*time.Millisecond)

	return NewServer(hub, h, zap.NewNop(), 8081), hub, h
}

func TestHandleGetNodes(t *testing.T) {
	server, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	w := httptest.NewRecorder()
	server.handleGetNodes(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response []NodeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Len(t, response, 2)

	first := response[0]
	assert.Equal(t, "node-1", first.ID)
	assert.Equal(t, "switch", first.Type)
	assert.Equal(t, "Kitchen", first.Name)
	assert.True(t, first.Exposed)
	assert.True(t, first.Enabled)
	assert.Equal(t, "registered", first.Registration)

	second := response[1]
	assert.Equal(t, "node-2", second.ID)
	assert.False(t, second.Exposed)
	assert.Equal(t, "unregistered", second.Registration)
	assert.Nil(t, second.Status)
}

func TestHandleGetNodesMethodNotAllowed(t *testing.T) {
	server, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/nodes", nil)
	w := httptest.NewRecorder()
	server.handleGetNodes(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleGetConnection(t *testing.T) {
	server, hub, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/connection", nil)
	w := httptest.NewRecorder()
	server.handleGetConnection(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response ConnectionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.True(t, response.Connected)
	assert.True(t, response.IntegrationLoaded)
	assert.Equal(t, map[string]bool{"node-1": true, "node-2": false}, response.ExposedNodes)

	hub.SetIntegrationState(ha.IntegrationUnloaded)

	w = httptest.NewRecorder()
	server.handleGetConnection(w, req)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.False(t, response.IntegrationLoaded)
}

func TestHandleHealth(t *testing.T) {
	server, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
}

func TestHandleSitemap(t *testing.T) {
	server, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	server.handleSitemap(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/nodes")

	// Unknown paths fall through to 404
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	w = httptest.NewRecorder()
	server.handleSitemap(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
