// Package config loads the application configuration from a YAML file.
//
// String values may reference environment variables as ${VAR} or $VAR;
// references are interpolated at load time. Missing required settings are
// fatal at startup; nothing in this package is recoverable at runtime.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the application configuration.
type Config struct {
	LLM      LLM            `yaml:"llm"`
	Memory   Memory         `yaml:"memory"`
	Platform Platform       `yaml:"platform"`
	Admin    Admin          `yaml:"admin"`
	Plugins  []string       `yaml:"plugins"`
	Chat     Chat           `yaml:"chat"`
	Metrics  MetricsSection `yaml:"metrics"`
}

// LLM configures the generation backend.
type LLM struct {
	Provider  string `yaml:"provider"` // only "anthropic" is built in
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// Memory groups the three tier configurations.
type Memory struct {
	ShortTerm ShortTerm `yaml:"short_term"`
	LongTerm  LongTerm  `yaml:"long_term"`
	RAG       RAG       `yaml:"rag"`
}

// ShortTerm configures the in-process message buffer.
type ShortTerm struct {
	MaxMessages int `yaml:"max_messages"`
}

// LongTerm configures the durable record store.
type LongTerm struct {
	Backend            string `yaml:"backend"` // "sqlite" (default) or "postgres"
	Path               string `yaml:"path"`
	DatabaseURL        string `yaml:"database_url"`
	SummarizeThreshold int    `yaml:"summarize_threshold"`
}

// RAG configures the semantic index.
type RAG struct {
	Enabled       bool    `yaml:"enabled"`
	TopK          int     `yaml:"top_k"`
	MinScore      float64 `yaml:"min_score"`
	ChunkSize     int     `yaml:"chunk_size"`
	PairIndex     bool    `yaml:"pair_indexing"`
	PersistPath   string  `yaml:"persist_path"`
	Embedder      string  `yaml:"embedder"` // "mock" (default) or "onnx"
	LibraryPath   string  `yaml:"library_path"`
	ModelPath     string  `yaml:"model_path"`
	TokenizerPath string  `yaml:"tokenizer_path"`
}

// Platform configures the chat-gateway connection.
type Platform struct {
	Name       string        `yaml:"name"`
	GatewayURL string        `yaml:"gateway_url"`
	Token      string        `yaml:"token"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
}

// Admin configures the read-only introspection server.
type Admin struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// Chat configures the chat plugin.
type Chat struct {
	SystemPrompt string `yaml:"system_prompt"`
	RolesPath    string `yaml:"roles_path"`
	Prefix       string `yaml:"prefix"`
}

// MetricsSection configures Prometheus instrumentation.
type MetricsSection struct {
	Namespace string `yaml:"namespace"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML bytes, interpolating environment variables.
func Parse(raw []byte) (*Config, error) {
	interpolated := interpolateEnv(string(raw))

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LLM: LLM{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
		},
		Memory: Memory{
			ShortTerm: ShortTerm{MaxMessages: 10},
			LongTerm: LongTerm{
				Backend:            "sqlite",
				Path:               "data/memory.db",
				SummarizeThreshold: 20,
			},
			RAG: RAG{
				Enabled:   true,
				TopK:      3,
				ChunkSize: 3,
				PairIndex: true,
				Embedder:  "mock",
			},
		},
		Platform: Platform{
			Name:      "gateway",
			Heartbeat: 30 * time.Second,
		},
		Admin:   Admin{Addr: ":8080"},
		Chat:    Chat{Prefix: "/"},
		Metrics: MetricsSection{Namespace: "koto"},
	}
}

func (c *Config) validate() error {
	if c.Memory.ShortTerm.MaxMessages <= 0 {
		return fmt.Errorf("memory.short_term.max_messages must be positive")
	}
	if c.Memory.LongTerm.SummarizeThreshold <= 0 {
		return fmt.Errorf("memory.long_term.summarize_threshold must be positive")
	}
	switch c.Memory.LongTerm.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("memory.long_term.backend must be sqlite or postgres, got %q", c.Memory.LongTerm.Backend)
	}
	if c.Memory.LongTerm.Backend == "postgres" && c.Memory.LongTerm.DatabaseURL == "" {
		return fmt.Errorf("memory.long_term.database_url is required for the postgres backend")
	}
	if c.Memory.RAG.ChunkSize < 2 {
		return fmt.Errorf("memory.rag.chunk_size must be at least 2")
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// interpolateEnv replaces ${VAR} and $VAR references with environment values.
// Unset variables expand to the empty string.
func interpolateEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		return os.Getenv(name)
	})
}
