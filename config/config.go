// Package config provides configuration loading and management for the
// analyst agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strataworks/analyst/llm"
)

// Config represents the complete analyst configuration.
type Config struct {
	Models    ModelsConfig    `yaml:"models"`
	NATS      NATSConfig      `yaml:"nats"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// EndpointConfig is one model endpoint in a role's fallback chain.
type EndpointConfig struct {
	// Provider selects the wire format ("ollama", "openai", "anthropic").
	Provider string `yaml:"provider"`
	// Model is the model identifier passed to the provider.
	Model string `yaml:"model"`
	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`
	// MaxTokens limits response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`
}

// ModelsConfig maps pipeline roles to endpoint chains. A role without a
// chain falls back to the utility chain.
type ModelsConfig struct {
	Planning []EndpointConfig `yaml:"planning"`
	Research []EndpointConfig `yaml:"research"`
	Writing  []EndpointConfig `yaml:"writing"`
	Utility  []EndpointConfig `yaml:"utility"`

	// Timeout is the maximum time to wait for one model response.
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS.
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream storage directory for the embedded server.
	// Suspended executions only survive restarts when this is set.
	StoreDir string `yaml:"store_dir"`
}

// DispatchConfig bounds the fan-out batches.
type DispatchConfig struct {
	// MaxTaskRetries bounds review-driven re-dispatch per research task.
	MaxTaskRetries int `yaml:"max_task_retries"`
	// MaxSectionRetries bounds review-driven re-dispatch per report section.
	MaxSectionRetries int `yaml:"max_section_retries"`
	// MaxConcurrent limits concurrent workers within one batch.
	MaxConcurrent int `yaml:"max_concurrent"`
	// WorkerTimeout bounds one worker invocation.
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
}

// RetrievalConfig configures the corpus and web retrievers.
type RetrievalConfig struct {
	// TopK is how many passages each retrieval returns.
	TopK int `yaml:"top_k"`
	// DocsDir is the drop folder watched for corpus documents (empty = off).
	DocsDir string `yaml:"docs_dir"`
	// SearchURL is the SearxNG-compatible search endpoint (empty = web off).
	SearchURL string `yaml:"search_url"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled).
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults: a local Ollama
// endpoint for every role and an embedded NATS server.
func DefaultConfig() *Config {
	local := []EndpointConfig{{
		Provider: "ollama",
		Model:    "qwen2.5:14b",
	}}
	return &Config{
		Models: ModelsConfig{
			Planning: local,
			Research: local,
			Writing:  local,
			Utility:  local,
			Timeout:  3 * time.Minute,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Dispatch: DispatchConfig{
			MaxTaskRetries:    2,
			MaxSectionRetries: 2,
			MaxConcurrent:     4,
			WorkerTimeout:     2 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Models.Utility) == 0 {
		return fmt.Errorf("models.utility requires at least one endpoint")
	}
	for role, chain := range c.roleChains() {
		for i, ep := range chain {
			if ep.Provider == "" {
				return fmt.Errorf("models.%s[%d]: provider is required", role, i)
			}
			if ep.Model == "" {
				return fmt.Errorf("models.%s[%d]: model is required", role, i)
			}
		}
	}
	if c.Dispatch.MaxTaskRetries < 0 || c.Dispatch.MaxSectionRetries < 0 {
		return fmt.Errorf("dispatch retries must not be negative")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	return nil
}

func (c *Config) roleChains() map[string][]EndpointConfig {
	return map[string][]EndpointConfig{
		"planning": c.Models.Planning,
		"research": c.Models.Research,
		"writing":  c.Models.Writing,
		"utility":  c.Models.Utility,
	}
}

// Endpoints converts the role chains into the llm client's form.
func (c *Config) Endpoints() map[string][]llm.Endpoint {
	out := make(map[string][]llm.Endpoint, 4)
	for role, chain := range c.roleChains() {
		eps := make([]llm.Endpoint, 0, len(chain))
		for _, ep := range chain {
			eps = append(eps, llm.Endpoint{
				Provider:  ep.Provider,
				Model:     ep.Model,
				BaseURL:   ep.BaseURL,
				MaxTokens: ep.MaxTokens,
			})
		}
		out[role] = eps
	}
	return out
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if len(other.Models.Planning) > 0 {
		c.Models.Planning = other.Models.Planning
	}
	if len(other.Models.Research) > 0 {
		c.Models.Research = other.Models.Research
	}
	if len(other.Models.Writing) > 0 {
		c.Models.Writing = other.Models.Writing
	}
	if len(other.Models.Utility) > 0 {
		c.Models.Utility = other.Models.Utility
	}
	if other.Models.Timeout != 0 {
		c.Models.Timeout = other.Models.Timeout
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	if other.Dispatch.MaxTaskRetries != 0 {
		c.Dispatch.MaxTaskRetries = other.Dispatch.MaxTaskRetries
	}
	if other.Dispatch.MaxSectionRetries != 0 {
		c.Dispatch.MaxSectionRetries = other.Dispatch.MaxSectionRetries
	}
	if other.Dispatch.MaxConcurrent != 0 {
		c.Dispatch.MaxConcurrent = other.Dispatch.MaxConcurrent
	}
	if other.Dispatch.WorkerTimeout != 0 {
		c.Dispatch.WorkerTimeout = other.Dispatch.WorkerTimeout
	}

	if other.Retrieval.TopK != 0 {
		c.Retrieval.TopK = other.Retrieval.TopK
	}
	if other.Retrieval.DocsDir != "" {
		c.Retrieval.DocsDir = other.Retrieval.DocsDir
	}
	if other.Retrieval.SearchURL != "" {
		c.Retrieval.SearchURL = other.Retrieval.SearchURL
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
