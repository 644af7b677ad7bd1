package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	DefaultMaxToolIterations       = 20
	DefaultAutoApproveDelaySeconds = 15

	SettingsBackendFile   = "file"
	SettingsBackendSQLite = "sqlite"

	MCPTransportStdio      = "stdio"
	MCPTransportSSE        = "sse"
	MCPTransportStreamable = "streamable"
)

// Config root configuration
type Config struct {
	Agents    AgentsConfig    `mapstructure:"agents" json:"agents"`
	Providers ProvidersConfig `mapstructure:"providers" json:"providers"`
	Approval  ApprovalConfig  `mapstructure:"approval" json:"approval"`
	MCP       MCPConfig       `mapstructure:"mcp" json:"mcp"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`
}

// AgentsConfig agent settings
type AgentsConfig struct {
	Defaults AgentDefaults `mapstructure:"defaults" json:"defaults"`
}

// AgentDefaults default agent parameters
type AgentDefaults struct {
	Model             string  `mapstructure:"model" json:"model"`
	MaxTokens         int     `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature       float64 `mapstructure:"temperature" json:"temperature"`
	MaxToolIterations int     `mapstructure:"max_tool_iterations" json:"max_tool_iterations"`
	SystemPrompt      string  `mapstructure:"system_prompt" json:"system_prompt"`
}

// ProvidersConfig LLM provider settings
type ProvidersConfig struct {
	OpenRouter ProviderConfig `mapstructure:"openrouter" json:"openrouter"`
	Claude     ProviderConfig `mapstructure:"claude" json:"claude"`
	OpenAI     ProviderConfig `mapstructure:"openai" json:"openai"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek" json:"deepseek"`
	Ollama     ProviderConfig `mapstructure:"ollama" json:"ollama"`
}

// ProviderConfig single provider settings
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

// ApprovalConfig controls the approval gate and where approval settings persist.
type ApprovalConfig struct {
	AutoApproveDelaySeconds int    `mapstructure:"auto_approve_delay_seconds" json:"auto_approve_delay_seconds"`
	SettingsBackend         string `mapstructure:"settings_backend" json:"settings_backend"`
	SettingsPath            string `mapstructure:"settings_path" json:"settings_path"`
}

// MCPConfig lists external tool servers.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `mapstructure:"servers" json:"servers"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Disabled      bool              `mapstructure:"disabled" json:"disabled,omitempty"`
	Transport     string            `mapstructure:"transport" json:"transport"`
	Command       string            `mapstructure:"command" json:"command,omitempty"`
	Args          []string          `mapstructure:"args" json:"args,omitempty"`
	Env           map[string]string `mapstructure:"env" json:"env,omitempty"`
	URL           string            `mapstructure:"url" json:"url,omitempty"`
	Headers       map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	AllowedTools  []string          `mapstructure:"allowed_tools" json:"allowed_tools,omitempty"`
	ExcludedTools []string          `mapstructure:"excluded_tools" json:"excluded_tools,omitempty"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Host  string `mapstructure:"host" json:"host"`
	Port  int    `mapstructure:"port" json:"port"`
	Token string `mapstructure:"token" json:"token"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure" json:"insecure"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Model:             "anthropic/claude-sonnet-4-5",
				MaxTokens:         8192,
				Temperature:       0.7,
				MaxToolIterations: DefaultMaxToolIterations,
			},
		},
		Providers: ProvidersConfig{},
		Approval: ApprovalConfig{
			AutoApproveDelaySeconds: DefaultAutoApproveDelaySeconds,
			SettingsBackend:         SettingsBackendFile,
		},
		MCP: MCPConfig{
			Servers: map[string]MCPServerConfig{},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "yakshaver",
		},
	}
}

// ConfigDir returns the yakshaver config directory. YAKSHAVER_HOME overrides it.
func ConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("YAKSHAVER_HOME")); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return filepath.Join(homeDir, ".yakshaver")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from the default path, creating it when missing.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom loads config from configPath or writes defaults there.
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveTo(configPath, cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, cfg.Validate()
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("YAKSHAVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to the default path.
func Save(cfg *Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo writes config as indented JSON.
func SaveTo(configPath string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	d := &c.Agents.Defaults

	if d.MaxToolIterations < 0 {
		return fmt.Errorf("agents.defaults.max_tool_iterations must not be negative, got %d", d.MaxToolIterations)
	}
	if d.MaxToolIterations == 0 {
		d.MaxToolIterations = DefaultMaxToolIterations
	}

	if d.Temperature < 0 || d.Temperature > 2.0 {
		return fmt.Errorf("agents.defaults.temperature must be between 0 and 2.0, got %f", d.Temperature)
	}

	if d.MaxTokens <= 0 {
		return fmt.Errorf("agents.defaults.max_tokens must be > 0, got %d", d.MaxTokens)
	}

	a := &c.Approval
	if a.AutoApproveDelaySeconds < 0 {
		return fmt.Errorf("approval.auto_approve_delay_seconds must not be negative, got %d", a.AutoApproveDelaySeconds)
	}
	if a.AutoApproveDelaySeconds == 0 {
		a.AutoApproveDelaySeconds = DefaultAutoApproveDelaySeconds
	}
	backend := strings.ToLower(strings.TrimSpace(a.SettingsBackend))
	switch backend {
	case "":
		a.SettingsBackend = SettingsBackendFile
	case SettingsBackendFile, SettingsBackendSQLite:
		a.SettingsBackend = backend
	default:
		return fmt.Errorf("approval.settings_backend must be one of file, sqlite; got %q", a.SettingsBackend)
	}

	for name, server := range c.MCP.Servers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("mcp.servers contains an empty server name")
		}
		if strings.Contains(name, "__") {
			return fmt.Errorf("mcp.servers.%s: server name must not contain \"__\"", name)
		}
		if err := validateMCPServer(name, server); err != nil {
			return err
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "yakshaver"
	}

	return nil
}

func validateMCPServer(name string, server MCPServerConfig) error {
	if server.Disabled {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(server.Transport)) {
	case MCPTransportStdio:
		if strings.TrimSpace(server.Command) == "" {
			return fmt.Errorf("mcp.servers.%s.command is required for stdio transport", name)
		}
	case MCPTransportSSE, MCPTransportStreamable:
		if strings.TrimSpace(server.URL) == "" {
			return fmt.Errorf("mcp.servers.%s.url is required for %s transport", name, server.Transport)
		}
	default:
		return fmt.Errorf("mcp.servers.%s.transport must be one of stdio, sse, streamable; got %q", name, server.Transport)
	}
	return nil
}

// IsMCPServerEnabled reports whether a server should be connected.
func IsMCPServerEnabled(cfg MCPServerConfig) bool {
	return !cfg.Disabled
}

// DataDir returns the directory for runtime state such as settings and audit logs.
func (c *Config) DataDir() string {
	return filepath.Join(ConfigDir(), "state")
}

// SettingsPath returns the approval settings location for the configured backend.
func (c *Config) SettingsPath() string {
	if p := strings.TrimSpace(c.Approval.SettingsPath); p != "" {
		if strings.HasPrefix(p, "~") {
			if homeDir, err := os.UserHomeDir(); err == nil {
				return filepath.Join(homeDir, strings.TrimPrefix(strings.TrimPrefix(p[1:], "/"), string(filepath.Separator)))
			}
		}
		return p
	}
	if c.Approval.SettingsBackend == SettingsBackendSQLite {
		return filepath.Join(c.DataDir(), "settings.db")
	}
	return filepath.Join(c.DataDir(), "settings.json")
}
