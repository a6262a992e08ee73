package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Registry    RegistryConfig    `yaml:"registry"`
	Providers   []ProviderConfig  `yaml:"providers"`
	Router      RouterConfig      `yaml:"router"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Cost        CostConfig        `yaml:"cost"`
	Safety      SafetyConfig      `yaml:"safety"`
	Tools       ToolsConfig       `yaml:"tools"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Workflows   WorkflowsConfig   `yaml:"workflows"`
}

// LoggerConfig selects slog handler, level, and output target.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig selects the OpenTelemetry exporter.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// RegistryConfig points at the persona definition store.
type RegistryConfig struct {
	Dir string `yaml:"dir"` // directory of per-agent YAML files
}

// ProviderConfig describes one completion provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // openai or bedrock
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Region      string        `yaml:"region"` // bedrock only
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
	// PricePerMTokIn / Out are USD prices per million tokens, used by the
	// cost tracker. Zero means the provider is free (e.g., local models).
	PricePerMTokIn  float64 `yaml:"price_per_mtok_in"`
	PricePerMTokOut float64 `yaml:"price_per_mtok_out"`
	// RatePerSec caps outbound calls to this provider. Zero = unlimited.
	RatePerSec float64 `yaml:"rate_per_sec"`
	RateBurst  int     `yaml:"rate_burst"`
}

// PoolConfig sizes the shared HTTP transport for a provider.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// RouterConfig tunes the agent router.
type RouterConfig struct {
	// ConfidenceThreshold below which the router falls back to a
	// classification completion call. Range (0,1]; default 0.4.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// ClassifierProvider names the provider used for classification calls.
	// Empty = first configured provider.
	ClassifierProvider string `yaml:"classifier_provider"`
	ClassifierModel    string `yaml:"classifier_model"`
}

// CoordinatorConfig tunes the turn coordinator.
type CoordinatorConfig struct {
	// MaxGroupRounds bounds GroupChat round-robin. Default 3.
	MaxGroupRounds int `yaml:"max_group_rounds"`
	// TerminationSignal ends a group chat early when the designated agent
	// emits it. Default "[DONE]".
	TerminationSignal string `yaml:"termination_signal"`
	// QueueTurns selects FIFO queueing of concurrent turns on one session.
	// False = reject with session busy.
	QueueTurns bool `yaml:"queue_turns"`
	// MaxToolIterations bounds the tool-call loop per agent invocation.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// CallTimeout is the per-outbound-call deadline. Expiry counts as a
	// breaker failure, not a distinct error class.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ResilienceConfig tunes the circuit breaker and retry policy.
type ResilienceConfig struct {
	// MaxFailures is the consecutive-failure threshold before a target's
	// circuit opens. Default 5.
	MaxFailures uint32 `yaml:"max_failures"`
	// Cooldown is how long a circuit stays open before half-open.
	Cooldown time.Duration `yaml:"cooldown"`
	// Interval is the cyclic period of the closed state for clearing
	// failure counts. Zero = failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
	// MaxRetries bounds per-call retries for transient errors. Default 2.
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoff is the base backoff between retries (doubled each
	// attempt). Default 250ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// CostConfig tunes the cost tracker.
type CostConfig struct {
	LedgerPath string `yaml:"ledger_path"` // sqlite file; empty = in-memory
	// FlushInterval is the background flush period. Default 2s.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// BufferSize bounds the in-memory record buffer. Default 1024.
	BufferSize int `yaml:"buffer_size"`
	// RollupSchedule is a cron expression for the daily spend rollup.
	// Empty disables the job.
	RollupSchedule string `yaml:"rollup_schedule"`
	// Encoding names the tiktoken encoding used to estimate tokens when a
	// provider omits usage. Default "cl100k_base".
	Encoding string `yaml:"encoding"`
}

// SafetyPolicy is one configured check in the safety chain.
type SafetyPolicy struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"` // regexp applied to message content
	// Action: "block" fails the turn, "redact" rewrites the match,
	// "flag" only records the flag.
	Action string `yaml:"action"`
	// Stages: inbound, outbound, or both (default both).
	Stages []string `yaml:"stages,omitempty"`
}

// SafetyConfig holds the ordered check chain.
type SafetyConfig struct {
	Policies []SafetyPolicy `yaml:"policies"`
	// InjectionHeuristics toggles prompt-injection scanning of tool-call
	// arguments. Default true.
	InjectionHeuristics *bool `yaml:"injection_heuristics,omitempty"`
	// ValidateToolArgs toggles JSON-schema validation of tool-call
	// arguments against the tool's declared schema. Default true.
	ValidateToolArgs *bool `yaml:"validate_tool_args,omitempty"`
}

// ToolsConfig configures the tool sandbox.
type ToolsConfig struct {
	// MCPServers lists external MCP servers whose tools are bridged into
	// the executor.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// GatewayConfig configures the WebSocket/HTTP gateway.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // e.g. "127.0.0.1:8712"
}

// SessionsConfig configures session persistence.
type SessionsConfig struct {
	DataDir string `yaml:"data_dir"` // empty = in-memory only
	// MaxHistory truncates the messages sent to providers (history itself
	// stays append-only). Zero = no truncation.
	MaxHistory int `yaml:"max_history"`
}

// WorkflowsConfig points at workflow graph definitions.
type WorkflowsConfig struct {
	Dir string `yaml:"dir"` // directory of per-workflow YAML files
}

// Load reads, expands, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand ${ENV_VAR} references so API keys stay out of the file.
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Router.ConfidenceThreshold == 0 {
		c.Router.ConfidenceThreshold = 0.4
	}
	if c.Coordinator.MaxGroupRounds == 0 {
		c.Coordinator.MaxGroupRounds = 3
	}
	if c.Coordinator.TerminationSignal == "" {
		c.Coordinator.TerminationSignal = "[DONE]"
	}
	if c.Coordinator.MaxToolIterations == 0 {
		c.Coordinator.MaxToolIterations = 8
	}
	if c.Coordinator.CallTimeout == 0 {
		c.Coordinator.CallTimeout = 60 * time.Second
	}
	if c.Resilience.MaxFailures == 0 {
		c.Resilience.MaxFailures = 5
	}
	if c.Resilience.Cooldown == 0 {
		c.Resilience.Cooldown = 30 * time.Second
	}
	if c.Resilience.MaxRetries == 0 {
		c.Resilience.MaxRetries = 2
	}
	if c.Resilience.RetryBackoff == 0 {
		c.Resilience.RetryBackoff = 250 * time.Millisecond
	}
	if c.Cost.FlushInterval == 0 {
		c.Cost.FlushInterval = 2 * time.Second
	}
	if c.Cost.BufferSize == 0 {
		c.Cost.BufferSize = 1024
	}
	if c.Cost.Encoding == "" {
		c.Cost.Encoding = "cl100k_base"
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "bedrock":
		default:
			return fmt.Errorf("config: provider %q has unknown type %q", p.Name, p.Type)
		}
	}
	if c.Router.ConfidenceThreshold < 0 || c.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: router confidence_threshold must be in [0,1]")
	}
	if c.Coordinator.MaxGroupRounds < 1 || c.Coordinator.MaxGroupRounds > 9 {
		return fmt.Errorf("config: max_group_rounds must be a small single-digit bound")
	}
	for _, pol := range c.Safety.Policies {
		switch pol.Action {
		case "block", "redact", "flag":
		default:
			return fmt.Errorf("config: safety policy %q has unknown action %q", pol.Name, pol.Action)
		}
	}
	return nil
}
