package config

import (
	"net"
	"strconv"
	"time"
)

// Config represents the complete wecom-gw configuration. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	Service  ServiceConfig   `yaml:"service"`
	Server   ServerConfig    `yaml:"server"`
	WeCom    WeComConfig     `yaml:"wecom"`
	Callback CallbackConfig  `yaml:"callback"`
	Send     SendConfig      `yaml:"send"`
	OpenAI   OpenAIConfig    `yaml:"openai"`
	Handlers []HandlerConfig `yaml:"handlers"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file"`
}

// ServerConfig defines the HTTP listener and route paths.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	WebhookPath  string `yaml:"webhook_path"`
	SendPath     string `yaml:"send_path"`
	MaxBodySize  int64  `yaml:"max_body_size"`
	EventsBuffer int    `yaml:"events_buffer"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// WeComConfig holds the application credential set used for outbound calls.
type WeComConfig struct {
	CorpID     string        `yaml:"corp_id"`
	CorpSecret string        `yaml:"corp_secret"`
	AgentID    int64         `yaml:"agent_id"`
	APIBase    string        `yaml:"api_base"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CallbackConfig holds the callback verification secrets.
type CallbackConfig struct {
	Token          string `yaml:"token"`
	EncodingAESKey string `yaml:"encoding_aes_key"`
	// ReceiveID is checked against the id trailing each decrypted payload.
	// Defaults to wecom.corp_id.
	ReceiveID    string        `yaml:"receive_id"`
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// SendConfig lists the tokens allowed to trigger outbound sends.
type SendConfig struct {
	Tokens []string `yaml:"tokens"`
}

// OpenAIConfig configures the chat-completion backend used by chat handlers.
type OpenAIConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

// HandlerConfig binds a sender id to a handler kind.
type HandlerConfig struct {
	Sender string `yaml:"sender"`
	Kind   string `yaml:"kind"`
}

// ChecksumManifest is the on-disk format of the .checksums file written by
// `config lock`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a config with every optional field set.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "wecom-gw",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			WebhookPath:  "/recv",
			SendPath:     "/send",
			MaxBodySize:  1 << 20,
			EventsBuffer: 256,
		},
		WeCom: WeComConfig{
			APIBase: "https://qyapi.weixin.qq.com",
			Timeout: 10 * time.Second,
		},
		Callback: CallbackConfig{
			MaxClockSkew: 5 * time.Minute,
		},
		OpenAI: OpenAIConfig{
			BaseURL:      "https://api.openai.com/v1",
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are a helpful assistant.",
			Timeout:      60 * time.Second,
		},
	}
}
