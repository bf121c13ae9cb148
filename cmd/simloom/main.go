// Simloom runtime — hosts the simulation tree registry, the LLM client
// bundle and the experiment runner over a persistent store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/simloom/simloom/pkg/agent"
	"github.com/simloom/simloom/pkg/config"
	"github.com/simloom/simloom/pkg/experiment"
	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/registry"
	"github.com/simloom/simloom/pkg/sim"
	"github.com/simloom/simloom/pkg/store"
	"github.com/simloom/simloom/pkg/tree"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("SIMLOOM_CONFIG", "./simloom.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Store: PostgreSQL when configured, in-memory otherwise
	var st store.Store
	if url := getEnv("DATABASE_URL", cfg.Database.URL); url != "" {
		pg, err := store.NewPostgres(ctx, url)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("Using PostgreSQL store")
	} else {
		st = store.NewMemory()
		slog.Info("Using in-memory store")
	}
	defer st.Close()

	// 3. LLM clients
	clients := buildClients(cfg)

	// 4. Registry and experiment runner
	reg := registry.New(st, clients)
	reg.SetAgentOptions(agent.Options{
		MaxRepeat:               cfg.Agent.MaxRepeat,
		MaxConsecutiveLLMErrors: cfg.Agent.MaxConsecutiveLLMErrors,
		EmotionEnabled:          cfg.Agent.EmotionEnabled,
		AutoRAG:                 cfg.Agent.AutoRAG,
		RAGChunkLimit:           cfg.Agent.RAGChunkLimit,
	})
	reg.SetSimOptions(sim.Options{MaxStepsPerTurn: cfg.Simulator.MaxStepsPerTurn})
	reg.SetTreeOptions(tree.Options{NodeLogCap: cfg.Tree.NodeLogCap})

	// Provider quotas charge the experiment user's usage rows.
	if cfg.Experiment.UserID != "" {
		for name, p := range cfg.Providers {
			if p.Quota > 0 {
				if err := st.Usage().EnsureQuota(ctx, cfg.Experiment.UserID, name, p.Quota); err != nil {
					slog.Error("Failed to seed provider quota", "provider", name, "error", err)
					os.Exit(1)
				}
			}
		}
	}
	runner, err := experiment.NewRunner(reg, nil, experiment.Options{
		PerRunBudget: cfg.Experiment.PerRunBudget,
		UserID:       cfg.Experiment.UserID,
		ProviderID:   cfg.Experiment.ProviderID,
		EventTail:    cfg.Experiment.EventTail,
	})
	if err != nil {
		slog.Error("Failed to create experiment runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	slog.Info("Simloom started",
		"providers", len(cfg.Providers),
		"default_provider", cfg.LLM.DefaultProvider)

	// 5. Run until interrupted
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	slog.Info("Shutting down", "signal", sig.String())
}

// buildClients assembles the shared client bundle from provider config. The
// default provider becomes the fallback chat client; all calls share the
// configured retry and concurrency discipline.
func buildClients(cfg *config.Config) *llm.Clients {
	clients := &llm.Clients{}
	retry := llm.RetryOptions{
		Timeout:       cfg.LLM.Timeout,
		MaxRetries:    cfg.LLM.MaxRetries,
		MaxConcurrent: cfg.LLM.MaxConcurrent,
	}
	for name, p := range cfg.Providers {
		adapter, err := llm.NewOpenAI(llm.OpenAIOptions{
			APIKey:     p.APIKey,
			BaseURL:    p.BaseURL,
			Model:      p.Model,
			Multimodal: p.Multimodal,
		})
		if err != nil {
			slog.Error("Skipping misconfigured provider", "provider", name, "error", err)
			continue
		}
		client := llm.WithRetry(adapter, retry)
		if name == cfg.LLM.DefaultProvider {
			clients.Default = client
		} else if clients.Chat == nil {
			clients.Chat = client
		}
	}
	if clients.Chat == nil {
		clients.Chat = clients.Default
	}
	return clients
}
