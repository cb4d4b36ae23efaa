// Command koto runs the chat companion bot: platform adapters in,
// memory-augmented generation out.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kotobot/koto/admin"
	"github.com/kotobot/koto/bus"
	"github.com/kotobot/koto/config"
	"github.com/kotobot/koto/core"
	"github.com/kotobot/koto/llm"
	"github.com/kotobot/koto/memory"
	"github.com/kotobot/koto/memory/embedder/cached"
	"github.com/kotobot/koto/memory/embedder/mock"
	"github.com/kotobot/koto/memory/index"
	chromemindex "github.com/kotobot/koto/memory/index/chromem"
	"github.com/kotobot/koto/memory/record"
	"github.com/kotobot/koto/observability"
	"github.com/kotobot/koto/platform"
	"github.com/kotobot/koto/platform/gateway"
	"github.com/kotobot/koto/plugin"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "koto",
		Short: "Koto, a chat companion with layered conversational memory",
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("koto", version)
		},
	}

	root.AddCommand(runCmd, versionCmd)
	root.CompletionOptions.DisableDefaultCmd = true

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := observability.New(cfg.Metrics.Namespace, registry)

	store, err := record.Open(ctx, record.Config{
		Backend:     cfg.Memory.LongTerm.Backend,
		Path:        cfg.Memory.LongTerm.Path,
		DatabaseURL: cfg.Memory.LongTerm.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer store.Close()

	embedder, closeEmbedder, err := buildEmbedder(cfg.Memory.RAG)
	if err != nil {
		return err
	}
	defer closeEmbedder()

	idx := buildIndex(cfg.Memory.RAG, embedder)

	generator, err := llm.NewAnthropic(llm.AnthropicConfig{
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("construct generator: %w", err)
	}

	events := bus.New()
	coordinator := memory.NewCoordinator(
		memory.NewBuffer(cfg.Memory.ShortTerm.MaxMessages),
		store,
		idx,
		memory.NewSummarizer(generator),
		memory.CoordinatorConfig{
			SummarizeThreshold: cfg.Memory.LongTerm.SummarizeThreshold,
			TopK:               cfg.Memory.RAG.TopK,
			MinScore:           cfg.Memory.RAG.MinScore,
			PairIndexing:       cfg.Memory.RAG.PairIndex,
		},
		memory.WithMetrics(metrics),
		memory.WithEventBus(events),
	)

	registryPlugins := plugin.NewRegistry()
	for _, name := range pluginNames(cfg.Plugins) {
		switch name {
		case "chat":
			registryPlugins.Register(plugin.NewChat())
		case "command":
			registryPlugins.Register(plugin.NewCommand())
		default:
			log.Printf("[MAIN] unknown plugin %q, skipping", name)
		}
	}
	deps := plugin.Deps{
		Bus:       events,
		Memory:    coordinator,
		Generator: generator,
		Chat:      cfg.Chat,
	}
	if err := registryPlugins.LoadAll(ctx, deps); err != nil {
		return err
	}
	defer registryPlugins.UnloadAll(context.Background())

	platforms := platform.NewManager()
	if cfg.Platform.GatewayURL != "" {
		platforms.Register(gateway.New(gateway.Config{
			URL:       cfg.Platform.GatewayURL,
			Token:     cfg.Platform.Token,
			Heartbeat: cfg.Platform.Heartbeat,
		}))
	}
	platforms.OnMessage(func(msg core.IncomingMessage) {
		events.Publish("message.received", map[string]any{"message": msg}, msg.Platform)
	})
	events.Subscribe("message.reply", func(e bus.Event) {
		msg, ok := e.Data["message"].(core.IncomingMessage)
		text, okText := e.Data["text"].(string)
		if !ok || !okText {
			return
		}
		replyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := platforms.Reply(replyCtx, msg, text); err != nil {
			log.Printf("[MAIN] reply failed: %v", err)
		}
	})
	platforms.ConnectAll(ctx)
	defer platforms.DisconnectAll()

	adminServer := admin.New(
		admin.Config{Addr: cfg.Admin.Addr, Token: cfg.Admin.Token},
		coordinator, platforms, registryPlugins.Names(),
		generator.Provider(), events, registry,
	)
	adminServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[MAIN] admin shutdown: %v", err)
		}
	}()

	log.Printf("[MAIN] koto %s up", version)
	<-ctx.Done()
	log.Printf("[MAIN] shutting down")
	return nil
}

func pluginNames(configured []string) []string {
	if len(configured) == 0 {
		return []string{"chat", "command"}
	}
	return configured
}

// buildIndex constructs the semantic index, falling back to the
// disabled index when construction fails. Retrieval loss is degraded
// service, not a startup failure.
func buildIndex(cfg config.RAG, embedder memory.Embedder) index.Index {
	if !cfg.Enabled {
		return index.Disabled{}
	}
	idx, err := chromemindex.New(embedder, chromemindex.Config{
		PersistPath: cfg.PersistPath,
		ChunkSize:   cfg.ChunkSize,
	})
	if err != nil {
		log.Printf("[MAIN] semantic index unavailable, continuing without retrieval: %v", err)
		return index.Disabled{}
	}
	return idx
}

// buildEmbedder picks the configured embedder and wraps it in the
// ristretto cache.
func buildEmbedder(cfg config.RAG) (memory.Embedder, func(), error) {
	var inner memory.Embedder
	switch cfg.Embedder {
	case "", "mock":
		inner = mock.New()
	case "onnx":
		e, err := newONNXEmbedder(cfg)
		if err != nil {
			return nil, nil, err
		}
		inner = e
	default:
		return nil, nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
	}

	wrapped, err := cached.New(inner, 0)
	if err != nil {
		return nil, nil, err
	}
	return wrapped, wrapped.Close, nil
}
