package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"habridge/internal/api"
	"habridge/internal/config"
	"habridge/internal/ha"
	"habridge/internal/host"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	flowsPath := os.Getenv("FLOWS_FILE")
	if flowsPath == "" {
		flowsPath = "flows.yaml"
	}

	apiPort := 8081
	if raw := os.Getenv("API_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			logger.Fatal("Invalid API_PORT", zap.String("value", raw))
		}
		apiPort = port
	}

	loader := config.NewLoader(flowsPath, logger)
	if err := loader.Load(); err != nil {
		logger.Fatal("Failed to load flow configuration", zap.Error(err))
	}
	cfg := loader.Get()

	token, err := cfg.Token()
	if err != nil {
		logger.Fatal("Failed to resolve hub token", zap.Error(err))
	}

	logger.Info("Starting habridge",
		zap.String("url", cfg.Server.URL),
		zap.String("server_id", cfg.Server.ID),
		zap.Int("nodes", len(cfg.Nodes)))

	client := ha.NewClient(cfg.Server.URL, token, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to hub", zap.Error(err))
	}
	defer client.Disconnect()

	h := host.New(client, logger)
	if err := h.Deploy(cfg); err != nil {
		logger.Fatal("Failed to deploy flow", zap.Error(err))
	}
	defer h.Close()

	// Drain node output; downstream wiring is out of scope for the bridge,
	// so deliveries are surfaced as log lines.
	go func() {
		for delivery := range h.Deliveries() {
			logger.Info("Node output",
				zap.String("node_id", delivery.NodeID),
				zap.Any("payload", delivery.Payload))
		}
	}()

	server := api.NewServer(client, h, logger, apiPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("habridge running")
	<-sigChan

	logger.Info("Shutting down")
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
}
