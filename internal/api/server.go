package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"habridge/internal/ha"
	"habridge/internal/host"
	"habridge/internal/node"

	"go.uber.org/zap"
)

// Server provides HTTP inspection endpoints for the running bridge
type Server struct {
	hub    ha.HubClient
	host   *host.Host
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a new API server
func NewServer(hub ha.HubClient, h *host.Host, logger *zap.Logger, port int) *Server {
	s := &Server{
		hub:    hub,
		host:   h,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/nodes", s.handleGetNodes)
	mux.HandleFunc("/api/connection", s.handleGetConnection)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// NodeResponse is one node in the /api/nodes listing
type NodeResponse struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Name         string       `json:"name,omitempty"`
	Exposed      bool         `json:"exposed"`
	Enabled      bool         `json:"enabled"`
	Registration string       `json:"registration"`
	Status       *node.Status `json:"status,omitempty"`
}

// ConnectionResponse is the /api/connection body
type ConnectionResponse struct {
	Connected         bool            `json:"connected"`
	IntegrationLoaded bool            `json:"integration_loaded"`
	ExposedNodes      map[string]bool `json:"exposed_nodes"`
}

// handleGetNodes lists every deployed node with its lifecycle state
func (s *Server) handleGetNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	handles := s.host.Nodes()
	response := make([]NodeResponse, 0, len(handles))

	for _, handle := range handles {
		entry := NodeResponse{
			ID:           handle.Node.ID(),
			Type:         string(handle.Node.Type()),
			Name:         handle.Name,
			Exposed:      handle.Node.Exposed(),
			Enabled:      handle.Node.Enabled(),
			Registration: handle.Node.RegistrationState().String(),
		}
		if status, ok := handle.Status(); ok {
			entry.Status = &status
		}
		response = append(response, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Node listing served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("nodes", len(response)))
}

// handleGetConnection reports hub connectivity and the exposure registry
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := ConnectionResponse{
		Connected:         s.hub.IsConnected(),
		IntegrationLoaded: s.hub.IsIntegrationLoaded(),
		ExposedNodes:      s.hub.ExposedNodes().Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// handleSitemap lists the available endpoints in plain text
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "habridge API\n\n")
	fmt.Fprintf(w, "  %-10s %-20s %s\n", "GET", "/api/nodes", "List deployed nodes with lifecycle state")
	fmt.Fprintf(w, "  %-10s %-20s %s\n", "GET", "/api/connection", "Hub connection and integration status")
	fmt.Fprintf(w, "  %-10s %-20s %s\n", "GET", "/health", "Health check")
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
