// Package config handles persona chatbot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/persona/config.yaml, /etc/persona/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "persona", "config.yaml"))
	}

	paths = append(paths, "/etc/persona/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all persona chatbot configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Persona   PersonaConfig   `yaml:"persona"`
	Models    ModelsConfig    `yaml:"models"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	Cache     CacheConfig     `yaml:"cache"`
	Notify    NotifyConfig    `yaml:"notify"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// PersonaConfig identifies the represented individual and the
// documents their profile is assembled from.
type PersonaConfig struct {
	Name string `yaml:"name"`
	// SummaryFile is a free-text or markdown summary.
	SummaryFile string `yaml:"summary_file"`
	// ProfileFile is the professional history, already extracted to text.
	ProfileFile string `yaml:"profile_file"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Evaluator string        `yaml:"evaluator"` // empty disables evaluate_response
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic, ollama
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an OpenAI key is set.
func (o OpenAIConfig) Configured() bool {
	return o.APIKey != ""
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an Anthropic key is set.
func (a AnthropicConfig) Configured() bool {
	return a.APIKey != ""
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	// MaxIterations caps engine round trips per turn.
	MaxIterations int `yaml:"max_iterations"`
	// CallTimeout bounds a single reasoning engine call.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// EnforceProtocol makes the loop police the lookup/store/escalate
	// ordering instead of trusting the model to follow instructions.
	EnforceProtocol *bool       `yaml:"enforce_protocol"`
	Retry           RetryConfig `yaml:"retry"`
	// HealthInterval is how often serve pings the engine for /health.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// ProtocolEnforced reports whether loop-side protocol enforcement is on.
// It defaults to true when unset.
func (a AgentConfig) ProtocolEnforced() bool {
	return a.EnforceProtocol == nil || *a.EnforceProtocol
}

// RetryConfig describes a bounded exponential backoff.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
}

// Backoff builds a capped exponential backoff with 10% jitter that
// allows Attempts total tries. Attempts below one means a single try.
func (r RetryConfig) Backoff() retry.Backoff {
	base := r.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	retries := max(r.Attempts-1, 0)
	b := retry.NewExponential(base)
	if r.Max > 0 {
		b = retry.WithCappedDuration(r.Max, b)
	}
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(uint64(retries), b)
}

// CacheConfig selects and configures the question/answer store.
type CacheConfig struct {
	// Driver is sqlite3 (cgo), sqlite (pure Go), or postgres.
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	DSN    string      `yaml:"dsn"`
	Retry  RetryConfig `yaml:"retry"`
}

// NotifyConfig configures outbound alert channels. Every configured
// channel receives every notification.
type NotifyConfig struct {
	Pushover  PushoverConfig `yaml:"pushover"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Email     EmailConfig    `yaml:"email"`
	QueueSize int            `yaml:"queue_size"`
	Retry     RetryConfig    `yaml:"retry"`
}

// PushoverConfig holds Pushover application credentials.
type PushoverConfig struct {
	Token string `yaml:"token"`
	User  string `yaml:"user"`
	URL   string `yaml:"url"` // Override for testing; defaults to the public API.
}

// Configured reports whether Pushover credentials are present.
func (p PushoverConfig) Configured() bool {
	return p.Token != "" && p.User != ""
}

// MQTTConfig defines the broker and topic notifications are published to.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// EmailConfig defines SMTP delivery of notifications.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	StartTLS bool     `yaml:"starttls"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Configured reports whether enough is set to send mail.
func (e EmailConfig) Configured() bool {
	return e.Host != "" && e.From != "" && len(e.To) > 0
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 7860},
		Persona: PersonaConfig{
			SummaryFile: "me/summary.txt",
			ProfileFile: "me/linkedin.txt",
		},
		Models: ModelsConfig{
			Default:   "gpt-4o-mini",
			Evaluator: "gpt-3.5-turbo",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{Name: "gpt-4o-mini", Provider: "openai"},
				{Name: "gpt-3.5-turbo", Provider: "openai"},
			},
		},
		Agent: AgentConfig{
			MaxIterations: 8,
			CallTimeout:    90 * time.Second,
			Retry:          RetryConfig{Attempts: 3, Base: 500 * time.Millisecond, Max: 8 * time.Second},
			HealthInterval: time.Minute,
		},
		Cache: CacheConfig{
			Driver: "sqlite3",
			Path:   "qa.db",
			Retry:  RetryConfig{Attempts: 4, Base: 50 * time.Millisecond, Max: time.Second},
		},
		Notify: NotifyConfig{
			QueueSize: 64,
			Retry:     RetryConfig{Attempts: 3, Base: time.Second, Max: 10 * time.Second},
		},
	}
}

// applyDefaults fills zero values that YAML may have cleared.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = d.Agent.MaxIterations
	}
	if c.Agent.CallTimeout <= 0 {
		c.Agent.CallTimeout = d.Agent.CallTimeout
	}
	if c.Agent.Retry.Attempts <= 0 {
		c.Agent.Retry = d.Agent.Retry
	}
	if c.Agent.HealthInterval <= 0 {
		c.Agent.HealthInterval = d.Agent.HealthInterval
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = d.Cache.Driver
	}
	if c.Cache.Retry.Attempts <= 0 {
		c.Cache.Retry = d.Cache.Retry
	}
	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = d.Notify.QueueSize
	}
	if c.Notify.Retry.Attempts <= 0 {
		c.Notify.Retry = d.Notify.Retry
	}
	if c.Notify.MQTT.Topic == "" {
		c.Notify.MQTT.Topic = "persona/notifications"
	}
	if c.Notify.Email.Port == 0 {
		c.Notify.Email.Port = 587
	}
}

// Validate checks the configuration for values that would fail at
// runtime. It reports every problem found, not just the first.
func (c *Config) Validate() error {
	var problems []string

	if c.Persona.Name == "" {
		problems = append(problems, "persona.name is required")
	}
	if c.Models.Default == "" {
		problems = append(problems, "models.default is required")
	}
	for i, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "anthropic", "ollama":
		default:
			problems = append(problems, fmt.Sprintf("models.available[%d]: unknown provider %q", i, m.Provider))
		}
	}
	switch c.Cache.Driver {
	case "sqlite3", "sqlite":
		if c.Cache.Path == "" {
			problems = append(problems, "cache.path is required for sqlite drivers")
		}
	case "postgres":
		if c.Cache.DSN == "" {
			problems = append(problems, "cache.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("cache.driver: unknown driver %q", c.Cache.Driver))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		problems = append(problems, fmt.Sprintf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format: unknown format %q", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ProviderFor returns the provider configured for a model, or "" when
// the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}
