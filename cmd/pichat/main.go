package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/pichat/internal/agent"
	"github.com/comigor/pichat/internal/config"
	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/llm"
	"github.com/comigor/pichat/internal/logger"
	"github.com/comigor/pichat/internal/memory"
	"github.com/comigor/pichat/internal/persona"
	"github.com/comigor/pichat/internal/storage"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "pichat",
	Short:         "Streaming chat client for OpenAI-compatible models",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			return os.Setenv("CONFIG_PATH", configPath)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (or set CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is the wired object graph shared by every command.
type app struct {
	cfg    *config.Config
	store  *conversation.Store
	memory *memory.Store
	agent  *agent.Agent
	db     *storage.DB
	detach func()
}

func loadApp(ctx context.Context) (*app, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.SetLevel(cfg.LogLevel)

	// Initialize LLM client
	transport := llm.NewOpenAITransport(llm.NewClient(cfg.LLM), cfg.LLM.Model)
	return newApp(ctx, cfg, transport)
}

func newApp(ctx context.Context, cfg *config.Config, transport llm.Transport) (*app, error) {
	a := &app{cfg: cfg, store: conversation.NewStore(), detach: func() {}}

	var initial map[string]string
	var persister *storage.Persister
	if cfg.Storage.Enabled {
		db, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			logger.L.Warn("sqlite unavailable; conversations will not be saved", "error", err)
		} else {
			a.db = db
			persister = storage.NewPersister(db)
			if initial, err = persister.Restore(ctx, a.store); err != nil {
				db.Close()
				return nil, fmt.Errorf("restore state: %w", err)
			}
		}
	}
	a.memory = memory.NewStore(initial)
	if persister != nil {
		a.detach = persister.Attach(a.store, a.memory)
	}

	personas := persona.NewRegistry()
	for _, p := range cfg.Personas {
		personas.Register(persona.Persona{ID: p.ID, Name: p.Name, Prompt: p.Prompt, StarModel: p.StarModel})
	}

	a.agent = agent.New(a.store, transport, a.memory, personas, cfg.Chat)
	return a, nil
}

func (a *app) Close() {
	a.agent.Shutdown()
	a.detach()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.L.Warn("closing sqlite", "error", err)
		}
	}
}
