package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/relayworks/tokenrelay/internal/ai"
	"github.com/relayworks/tokenrelay/internal/config"
	"github.com/relayworks/tokenrelay/internal/db"
	"github.com/relayworks/tokenrelay/internal/httpapi"
	"github.com/relayworks/tokenrelay/internal/relay"
	"github.com/relayworks/tokenrelay/internal/store/rabbitmq"
	"github.com/relayworks/tokenrelay/internal/stream"
	"github.com/relayworks/tokenrelay/internal/ws"
)

func providerRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(
			cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName,
		), nil
	})

	return reg
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	repo := stream.NewRepo(gdb)
	svc := stream.NewService(repo, providerRegistry(cfg), cfg.MaxTokens)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	registry := ws.NewRegistry()
	relayer := relay.New(log.Default())

	r := httpapi.NewRouter(cfg, svc, relayer, pub, registry)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("api listening on %s queue=%s", addr, cfg.RabbitQueue)
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
