// Package config provides configuration loading and management for localcoder.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline artifact policies.
const (
	PolicyBestEffort = "best-effort"
	PolicyFailFast   = "fail-fast"
)

// Config represents the complete localcoder configuration
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Engine   EngineConfig   `yaml:"engine"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Context  ContextConfig  `yaml:"context"`
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
}

// ModelConfig configures where the local model file comes from
type ModelConfig struct {
	// Dir is scanned for model files when Path is empty (relative to the project root)
	Dir string `yaml:"dir"`
	// Extension is the model file extension to look for (default: .gguf)
	Extension string `yaml:"extension"`
	// Path pins an explicit model file and skips discovery
	Path string `yaml:"path"`
}

// EngineConfig configures the inference engine
type EngineConfig struct {
	// Provider selects the local server wire format ("llamacpp" or "openai")
	Provider string `yaml:"provider"`
	// ServerBinary is the llama.cpp server executable launched with the model
	ServerBinary string `yaml:"server_binary"`
	// URL attaches to an already running local server instead of launching one
	URL string `yaml:"url"`
	// Threads is the CPU thread count handed to the server
	Threads int `yaml:"threads"`
	// ContextSize is the context window in tokens
	ContextSize int `yaml:"context_size"`
	// Temperature controls sampling randomness (default: 0.1)
	Temperature float64 `yaml:"temperature"`
	// TopP is the nucleus sampling threshold (default: 0.95)
	TopP float64 `yaml:"top_p"`
	// MaxTokens is the default per-call token budget
	MaxTokens int `yaml:"max_tokens"`
	// Stop overrides the default stop sequences
	Stop []string `yaml:"stop"`
	// LoadTimeout bounds how long model loading may take
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

// PipelineConfig configures the agent pipeline
type PipelineConfig struct {
	// Policy decides what happens to empty or malformed stage output
	Policy string `yaml:"policy"`

	// CodeLanguage is the language generated code is checked as when it
	// carries no fenced block. Empty accepts any supported language.
	CodeLanguage string `yaml:"code_language"`
}

// ContextConfig configures the file-context reader
type ContextConfig struct {
	// Root is the base directory for relative context paths (auto-detected if empty)
	Root string `yaml:"root"`
	// Ignore lists glob patterns that are never served as context
	Ignore []string `yaml:"ignore"`
	// DisableCache turns off the watched file cache
	DisableCache bool `yaml:"disable_cache"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	// Addr is the listen address
	Addr string `yaml:"addr"`
	// MaxBodyBytes limits request body sizes
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// NATSConfig configures the optional stage event publisher
type NATSConfig struct {
	// URL is the NATS server URL (empty = publishing disabled)
	URL string `yaml:"url"`
	// Subject is the subject prefix for stage events
	Subject string `yaml:"subject"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Dir:       "model",
			Extension: ".gguf",
		},
		Engine: EngineConfig{
			Provider:     "llamacpp",
			ServerBinary: "llama-server",
			Threads:      4,
			ContextSize:  4096,
			Temperature:  0.1,
			TopP:         0.95,
			MaxTokens:    2048,
			LoadTimeout:  2 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Policy: PolicyBestEffort,
		},
		Context: ContextConfig{
			Root:   "", // Auto-detect
			Ignore: []string{".git/**", "**/*.gguf"},
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:5000",
			MaxBodyBytes: 1 << 20,
		},
		NATS: NATSConfig{
			URL:     "",
			Subject: "localcoder.pipeline",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Path == "" && c.Model.Dir == "" {
		return fmt.Errorf("model.dir or model.path is required")
	}
	if !strings.HasPrefix(c.Model.Extension, ".") {
		return fmt.Errorf("model.extension must start with a dot")
	}
	if c.Engine.Provider == "" {
		return fmt.Errorf("engine.provider is required")
	}
	if c.Engine.URL == "" && c.Engine.ServerBinary == "" {
		return fmt.Errorf("engine.server_binary is required when engine.url is not set")
	}
	if c.Engine.URL != "" {
		if err := validateLocalURL(c.Engine.URL); err != nil {
			return fmt.Errorf("engine.url: %w", err)
		}
	}
	if c.Engine.Threads <= 0 {
		return fmt.Errorf("engine.threads must be positive")
	}
	if c.Engine.ContextSize <= 0 {
		return fmt.Errorf("engine.context_size must be positive")
	}
	if c.Engine.Temperature < 0 || c.Engine.Temperature > 1 {
		return fmt.Errorf("engine.temperature must be between 0 and 1")
	}
	if c.Engine.TopP <= 0 || c.Engine.TopP > 1 {
		return fmt.Errorf("engine.top_p must be in (0, 1]")
	}
	if c.Engine.MaxTokens <= 0 {
		return fmt.Errorf("engine.max_tokens must be positive")
	}
	switch c.Pipeline.Policy {
	case PolicyBestEffort, PolicyFailFast:
	default:
		return fmt.Errorf("pipeline.policy must be %q or %q", PolicyBestEffort, PolicyFailFast)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}

// validateLocalURL rejects engine URLs that leave the machine.
func validateLocalURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("host %q is not a loopback address", host)
}

// LoadFromFile loads configuration from a YAML file
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

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Model
	if other.Model.Dir != "" {
		c.Model.Dir = other.Model.Dir
	}
	if other.Model.Extension != "" {
		c.Model.Extension = other.Model.Extension
	}
	if other.Model.Path != "" {
		c.Model.Path = other.Model.Path
	}

	// Engine
	if other.Engine.Provider != "" {
		c.Engine.Provider = other.Engine.Provider
	}
	if other.Engine.ServerBinary != "" {
		c.Engine.ServerBinary = other.Engine.ServerBinary
	}
	if other.Engine.URL != "" {
		c.Engine.URL = other.Engine.URL
	}
	if other.Engine.Threads != 0 {
		c.Engine.Threads = other.Engine.Threads
	}
	if other.Engine.ContextSize != 0 {
		c.Engine.ContextSize = other.Engine.ContextSize
	}
	if other.Engine.Temperature != 0 {
		c.Engine.Temperature = other.Engine.Temperature
	}
	if other.Engine.TopP != 0 {
		c.Engine.TopP = other.Engine.TopP
	}
	if other.Engine.MaxTokens != 0 {
		c.Engine.MaxTokens = other.Engine.MaxTokens
	}
	if len(other.Engine.Stop) > 0 {
		c.Engine.Stop = other.Engine.Stop
	}
	if other.Engine.LoadTimeout != 0 {
		c.Engine.LoadTimeout = other.Engine.LoadTimeout
	}

	// Pipeline
	if other.Pipeline.Policy != "" {
		c.Pipeline.Policy = other.Pipeline.Policy
	}
	if other.Pipeline.CodeLanguage != "" {
		c.Pipeline.CodeLanguage = other.Pipeline.CodeLanguage
	}

	// Context
	if other.Context.Root != "" {
		c.Context.Root = other.Context.Root
	}
	if len(other.Context.Ignore) > 0 {
		c.Context.Ignore = other.Context.Ignore
	}
	if other.Context.DisableCache {
		c.Context.DisableCache = true
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.MaxBodyBytes != 0 {
		c.Server.MaxBodyBytes = other.Server.MaxBodyBytes
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Subject != "" {
		c.NATS.Subject = other.NATS.Subject
	}
}

// ModelDir resolves the model directory against the context root.
func (c *Config) ModelDir() string {
	if filepath.IsAbs(c.Model.Dir) || c.Context.Root == "" {
		return c.Model.Dir
	}
	return filepath.Join(c.Context.Root, c.Model.Dir)
}
